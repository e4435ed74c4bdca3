package outputstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	err     error
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(params.Bucket) + "/" + aws.ToString(params.Key)
	f.objects[key] = data
	f.types[key] = aws.ToString(params.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func writeArtifact(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("GIF89a"), 0644))
	return path
}

func TestLocalPublish(t *testing.T) {
	store := NewLocal()
	path := writeArtifact(t, "run.gif")

	location, err := store.Publish(context.Background(), "run-1", path)
	require.NoError(t, err)
	assert.Equal(t, path, location)
	assert.Equal(t, "local", store.Name())

	_, err = store.Publish(context.Background(), "run-1", filepath.Join(t.TempDir(), "missing.gif"))
	assert.Error(t, err)
}

func TestS3Publish(t *testing.T) {
	client := &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
	store := NewS3WithClient(client, "bucket", "/timelapses/")
	path := writeArtifact(t, "run.gif")

	location, err := store.Publish(context.Background(), "run-1", path)
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/timelapses/run-1/run.gif", location)
	assert.Equal(t, []byte("GIF89a"), client.objects["bucket/timelapses/run-1/run.gif"])
	assert.Equal(t, "image/gif", client.types["bucket/timelapses/run-1/run.gif"])

	_, err = os.Stat(path)
	assert.NoError(t, err, "local file is kept")
}

func TestS3PublishFailure(t *testing.T) {
	client := &fakeS3{err: errors.New("access denied")}
	store := NewS3WithClient(client, "bucket", "")
	path := writeArtifact(t, "run.zip")

	_, err := store.Publish(context.Background(), "run-1", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
	assert.Equal(t, "run-1/run.zip", store.Key("run-1", path))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "video/mp4", ContentType("a.MP4"))
	assert.Equal(t, "video/x-msvideo", ContentType("a.avi"))
	assert.Equal(t, "application/zip", ContentType("a_frames_part01.zip"))
	assert.Equal(t, "application/octet-stream", ContentType("a.bin"))
}
