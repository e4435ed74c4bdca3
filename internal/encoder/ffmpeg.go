package encoder

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// CheckFFmpeg looks for FFmpeg next to the executable, then on PATH, then in
// the usual install directories.
func CheckFFmpeg() (string, bool) {
	if bundled := bundledFFmpegPath(); bundled != "" {
		return bundled, true
	}

	names := []string{"ffmpeg"}
	if runtime.GOOS == "windows" {
		names = []string{"ffmpeg.exe", "ffmpeg"}
	}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path, true
		}
	}

	var commonPaths []string
	switch runtime.GOOS {
	case "darwin":
		commonPaths = []string{
			"/usr/local/bin/ffmpeg",
			"/opt/homebrew/bin/ffmpeg",
			"/opt/local/bin/ffmpeg",
		}
	case "linux":
		commonPaths = []string{
			"/usr/bin/ffmpeg",
			"/usr/local/bin/ffmpeg",
		}
	case "windows":
		commonPaths = []string{
			"C:\\ffmpeg\\bin\\ffmpeg.exe",
			"C:\\Program Files\\ffmpeg\\bin\\ffmpeg.exe",
		}
	}
	for _, path := range commonPaths {
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}

	return "", false
}

// bundledFFmpegPath returns an ffmpeg binary shipped alongside the executable
func bundledFFmpegPath() string {
	execPath, err := os.Executable()
	if err != nil {
		return ""
	}
	execDir := filepath.Dir(execPath)

	var candidates []string
	if runtime.GOOS == "windows" {
		candidates = []string{
			filepath.Join(execDir, "ffmpeg.exe"),
			filepath.Join(execDir, "ffmpeg", "ffmpeg.exe"),
		}
	} else {
		candidates = []string{
			filepath.Join(execDir, "ffmpeg"),
			filepath.Join(execDir, "lib", "ffmpeg"),
		}
	}
	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}
