package storage

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveImage(t *testing.T) {
	s, err := New(t.TempDir(), "http://localhost:8000/")
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "temp.png")
	require.NoError(t, os.WriteFile(src, []byte("png bytes"), 0o644))

	publicURL, path, err := s.SaveImage(src)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(publicURL, "http://localhost:8000/static/generated/img_"))
	assert.True(t, strings.HasSuffix(publicURL, ".png"))
	assert.NoFileExists(t, src, "the temp file moves into storage")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "png bytes", string(data))
}

func TestSaveFile_UnknownExtension(t *testing.T) {
	s, err := New(t.TempDir(), "http://localhost:8000")
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "blob")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))

	publicURL, _, err := s.SaveFile(src, "vid")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(publicURL, ".bin"))
	assert.Contains(t, publicURL, "/static/generated/vid_")
}

func TestSaveRemoteFile_CachesByURL(t *testing.T) {
	hits := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("remote video bytes"))
	}))
	defer ts.Close()

	s, err := New(t.TempDir(), "http://localhost:8000")
	require.NoError(t, err)

	url1, path1, err := s.SaveRemoteFile(ts.URL+"/clip.mp4", "vid")
	require.NoError(t, err)
	url2, path2, err := s.SaveRemoteFile(ts.URL+"/clip.mp4", "vid")
	require.NoError(t, err)

	assert.Equal(t, url1, url2)
	assert.Equal(t, path1, path2)
	assert.Equal(t, 1, hits, "the second call must hit the local cache")
	assert.True(t, strings.HasSuffix(path1, ".mp4"))
}

func TestDownloadToTemp(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("reference image"))
	}))
	defer ts.Close()

	path, err := DownloadToTemp(ts.URL+"/ref.jpg", ".png")
	require.NoError(t, err)
	defer os.Remove(path)

	assert.True(t, strings.HasSuffix(path, ".jpg"), "the URL extension wins over the default")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "reference image", string(data))
}

func TestDownloadToTemp_ErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer ts.Close()

	_, err := DownloadToTemp(ts.URL+"/missing.png", ".png")
	assert.Error(t, err)
}

func TestCleanupOldFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, "http://localhost:8000")
	require.NoError(t, err)

	old := filepath.Join(dir, "img_1_aaaa.png")
	fresh := filepath.Join(dir, "vid_2_bbbb.mp4")
	unrelated := filepath.Join(dir, "notes.txt")
	for _, p := range []string{old, fresh, unrelated} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	require.NoError(t, os.Chtimes(unrelated, past, past))

	deleted := s.CleanupOldFiles(24 * time.Hour)
	assert.Equal(t, []string{"img_1_aaaa.png"}, deleted)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
	assert.FileExists(t, unrelated, "only generated media is subject to cleanup")
}
