package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"image"
	"image/gif"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagery-timelapse/internal/common"
	"imagery-timelapse/internal/encoder"
	"imagery-timelapse/internal/fetcher"
	"imagery-timelapse/internal/planner"
)

type fakeService struct {
	fail map[string]bool
	hits atomic.Int64
}

func (s *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.hits.Add(1)
	if s.fail[r.URL.Query().Get("TIME")] {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	img := image.NewRGBA(image.Rect(0, 0, 24, 16))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

type recordingTracker struct {
	mu     sync.Mutex
	events []string
	props  []map[string]interface{}
}

func (r *recordingTracker) Track(event string, props map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.props = append(r.props, props)
}

func (r *recordingTracker) Close() error { return nil }

type failingStore struct{}

func (failingStore) Name() string { return "failing" }
func (failingStore) Publish(context.Context, string, string) (string, error) {
	return "", errors.New("bucket unreachable")
}

var testBBox = common.BoundingBox{XMin: 2600000, YMin: 1200000, XMax: 2601200, YMax: 1200800}

func newTestPipeline(t *testing.T, server *httptest.Server, opts Options) *Pipeline {
	t.Helper()
	pl, err := planner.New(planner.Config{BaseURL: server.URL, Layer: common.LayerZeitreihen})
	require.NoError(t, err)
	f, err := fetcher.New(fetcher.Config{HTTPClient: server.Client()})
	require.NoError(t, err)
	enc, err := encoder.New(encoder.Options{VideoCodec: encoder.CodecMJPEG, OutputDir: t.TempDir()})
	require.NoError(t, err)

	opts.Planner, opts.Fetcher, opts.Encoder = pl, f, enc
	p, err := New(opts)
	require.NoError(t, err)
	return p
}

func labels(values ...string) []common.TimeLabel {
	out := make([]common.TimeLabel, len(values))
	for i, v := range values {
		out[i] = common.TimeLabel(v)
	}
	return out
}

func TestRunWithOneFailedFrame(t *testing.T) {
	service := &fakeService{fail: map[string]bool{"20051231": true}}
	server := httptest.NewServer(service)
	defer server.Close()

	tracker := &recordingTracker{}
	var stages []Stage
	p := newTestPipeline(t, server, Options{
		Tracker: tracker,
		OnStage: func(stage Stage, _ string) { stages = append(stages, stage) },
	})

	outDir := t.TempDir()
	result, err := p.Run(context.Background(), Job{
		BBox:             testBBox,
		Width:            24,
		Height:           16,
		Labels:           labels("20001231", "20051231", "20101231", "20151231", "20201231"),
		Sinks:            common.NewSinkSet(common.SinkGIF, common.SinkArchive),
		FrameRate:        4,
		ConcurrencyLimit: 2,
		OutputDir:        outDir,
	})
	require.NoError(t, err)

	assert.Equal(t, 5, result.Requested)
	assert.Equal(t, labels("20001231", "20101231", "20151231", "20201231"), result.Frames)
	assert.Equal(t, labels("20051231"), result.Missing)
	assert.Equal(t, 1, result.Fetch.Failed)
	assert.Equal(t, "zeitreihen_2000-2020_E2600000-2601200_N1200000-1200800", result.BaseName)
	assert.NotEmpty(t, result.RunID)

	gifOut := result.Encoded.Outputs[common.SinkGIF]
	require.True(t, gifOut.Present())
	f, err := os.Open(gifOut.Artifacts[0].Path)
	require.NoError(t, err)
	defer f.Close()
	anim, err := gif.DecodeAll(f)
	require.NoError(t, err)
	assert.Len(t, anim.Image, 4)
	assert.Equal(t, outDir, filepath.Dir(gifOut.Artifacts[0].Path))
	assert.Equal(t, gifOut.Artifacts[0].Path, gifOut.Artifacts[0].Location)

	archiveOut := result.Encoded.Outputs[common.SinkArchive]
	require.True(t, archiveOut.Present())
	zr, err := zip.OpenReader(archiveOut.Artifacts[0].Path)
	require.NoError(t, err)
	defer zr.Close()
	assert.Len(t, zr.File, 4)

	assert.Equal(t, []Stage{StagePlan, StageFetch, StageEncode, StagePublish, StageDone}, stages)
	assert.Equal(t, []string{"timelapse_completed"}, tracker.events)
	require.Len(t, tracker.props, 1)
	assert.Equal(t, 4, tracker.props[0]["frames"])
	assert.Equal(t, 1, tracker.props[0]["missing"])
	assert.Equal(t, result.Duration.Milliseconds(), tracker.props[0]["duration_ms"])
}

func TestRunWithNoFrames(t *testing.T) {
	service := &fakeService{fail: map[string]bool{"1946": true, "1959": true, "1965": true}}
	server := httptest.NewServer(service)
	defer server.Close()

	p := newTestPipeline(t, server, Options{})
	outDir := t.TempDir()

	result, err := p.Run(context.Background(), Job{
		BBox:      testBBox,
		Width:     24,
		Height:    16,
		Labels:    labels("1946", "1959", "1965"),
		Sinks:     common.NewSinkSet(common.AllSinks...),
		FrameRate: 5,
		OutputDir: outDir,
	})

	var emptyErr *EmptyResultError
	require.ErrorAs(t, err, &emptyErr)
	assert.Equal(t, 3, emptyErr.Requested)
	assert.Equal(t, 3, emptyErr.Stats.Failed)
	assert.Nil(t, result.Encoded)
	assert.Len(t, result.Missing, 3)

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunRejectsInvalidDimensionsBeforeFetching(t *testing.T) {
	service := &fakeService{}
	server := httptest.NewServer(service)
	defer server.Close()

	p := newTestPipeline(t, server, Options{})
	_, err := p.Run(context.Background(), Job{
		BBox:      testBBox,
		Width:     5000,
		Height:    5000,
		Labels:    labels("1946"),
		Sinks:     common.NewSinkSet(common.SinkGIF),
		FrameRate: 5,
	})

	var dimErr *planner.InvalidDimensionsError
	require.ErrorAs(t, err, &dimErr)
	assert.Zero(t, service.hits.Load())

	_, err = p.Run(context.Background(), Job{
		BBox:      testBBox,
		Width:     10,
		Height:    10,
		Labels:    nil,
		Sinks:     common.NewSinkSet(common.SinkGIF),
		FrameRate: 5,
	})
	assert.ErrorIs(t, err, planner.ErrNoLabels)
	assert.Zero(t, service.hits.Load())
}

func TestRunAllSinksFailed(t *testing.T) {
	server := httptest.NewServer(&fakeService{})
	defer server.Close()

	tracker := &recordingTracker{}
	p := newTestPipeline(t, server, Options{Tracker: tracker})

	// a regular file where the output directory should be
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	result, err := p.Run(context.Background(), Job{
		BBox:      testBBox,
		Width:     24,
		Height:    16,
		Labels:    labels("1946", "1959"),
		Sinks:     common.NewSinkSet(common.SinkGIF, common.SinkArchive),
		FrameRate: 5,
		OutputDir: filepath.Join(blocker, "out"),
	})
	require.ErrorIs(t, err, ErrAllSinksFailed)
	assert.True(t, result.Encoded.AllFailed())
	assert.Equal(t, []string{"timelapse_failed"}, tracker.events)
	require.Len(t, tracker.props, 1)
	assert.Contains(t, tracker.props[0], "duration_ms")
	assert.Contains(t, tracker.props[0]["error"], "all requested sinks failed")
}

func TestRunPublishFailureKeepsLocalFiles(t *testing.T) {
	server := httptest.NewServer(&fakeService{})
	defer server.Close()

	p := newTestPipeline(t, server, Options{Store: failingStore{}})
	result, err := p.Run(context.Background(), Job{
		BBox:      testBBox,
		Width:     24,
		Height:    16,
		Labels:    labels("1946", "1959"),
		Sinks:     common.NewSinkSet(common.SinkGIF),
		FrameRate: 5,
		BaseName:  "custom",
	})
	require.NoError(t, err)

	out := result.Encoded.Outputs[common.SinkGIF]
	require.True(t, out.Present())
	assert.ErrorContains(t, out.PublishErr, "bucket unreachable")
	assert.Empty(t, out.Artifacts[0].Location)
	assert.Equal(t, "custom.gif", filepath.Base(out.Artifacts[0].Path))
	_, statErr := os.Stat(out.Artifacts[0].Path)
	assert.NoError(t, statErr)
	assert.Error(t, result.Encoded.Err())
}

func TestRunValidatesJob(t *testing.T) {
	server := httptest.NewServer(&fakeService{})
	defer server.Close()
	p := newTestPipeline(t, server, Options{})

	_, err := p.Run(context.Background(), Job{BBox: testBBox, Width: 8, Height: 8, Labels: labels("1946"), FrameRate: 5})
	assert.Error(t, err)
	_, err = p.Run(context.Background(), Job{BBox: testBBox, Width: 8, Height: 8, Labels: labels("1946"), Sinks: common.NewSinkSet(common.SinkGIF)})
	assert.Error(t, err)

	_, err = New(Options{})
	assert.Error(t, err)
}
