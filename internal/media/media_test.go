package media

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileObjectStore_PutGet(t *testing.T) {
	dir := t.TempDir()
	s := NewFileObjectStore(dir, "https://cdn.example.com/media/")

	url, err := s.Put(context.Background(), "abcdef.jpg", []byte("jpeg-bytes"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/media/ab/cd/abcdef.jpg", url)

	_, err = os.Stat(filepath.Join(dir, "ab", "cd", "abcdef.jpg"))
	require.NoError(t, err)

	data, err := s.Get(context.Background(), "abcdef.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), data)
}

func TestFileObjectStore_Delete(t *testing.T) {
	dir := t.TempDir()
	s := NewFileObjectStore(dir, "/media")
	ctx := context.Background()

	_, err := s.Put(ctx, "abcdef.jpg", []byte("jpeg-bytes"), "image/jpeg")
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "abcdef.jpg"))

	_, err = os.Stat(filepath.Join(dir, "ab", "cd", "abcdef.jpg"))
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, s.Delete(ctx, "abcdef.jpg"))
	assert.Error(t, s.Delete(ctx, "../x"))
}

func TestFileObjectStore_InvalidKeys(t *testing.T) {
	s := NewFileObjectStore(t.TempDir(), "/media")
	for _, key := range []string{"", "abc", "../../etc/passwd", "ab/cdef"} {
		_, err := s.Put(context.Background(), key, []byte("x"), "")
		assert.Error(t, err, key)
	}
}

func TestContentHash(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", ContentHash([]byte{}))
	assert.Len(t, ContentHash([]byte("Hello, World!")), 64)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, ".jpg", Extension("image/jpeg"))
	assert.Equal(t, ".png", Extension("image/png; charset=binary"))
	assert.Equal(t, "", Extension("application/octet-stream"))
}
