// Package storage manages generated media files: naming, public URLs,
// cached remote downloads, and age-based cleanup.
package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Store writes media into one directory served under /static/generated.
type Store struct {
	dir     string
	baseURL string
}

// New creates the storage directory if needed.
func New(dir, baseURL string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &Store{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string { return s.dir }

// SaveImage moves a temp image into storage. Returns (public URL, path).
func (s *Store) SaveImage(sourcePath string) (string, string, error) {
	return s.SaveFile(sourcePath, "img")
}

// SaveFile moves a temp media file into storage under a fresh name.
func (s *Store) SaveFile(sourcePath, prefix string) (string, string, error) {
	suffix := strings.ToLower(filepath.Ext(sourcePath))
	if suffix == "" {
		suffix = ".bin"
	}

	token := make([]byte, 8)
	if _, err := rand.Read(token); err != nil {
		return "", "", fmt.Errorf("generate file token: %w", err)
	}

	filename := fmt.Sprintf("%s_%d_%s%s", prefix, time.Now().Unix(), hex.EncodeToString(token), suffix)
	dest := filepath.Join(s.dir, filename)

	if err := os.Rename(sourcePath, dest); err != nil {
		// Cross-device rename fails; fall back to copy.
		if copyErr := copyFile(sourcePath, dest); copyErr != nil {
			return "", "", fmt.Errorf("store media file: %w", copyErr)
		}
		os.Remove(sourcePath)
	}

	abs, err := filepath.Abs(dest)
	if err != nil {
		abs = dest
	}
	return s.publicURL(filename), abs, nil
}

// SaveRemoteFile downloads remote media into storage, keyed by URL hash
// so repeat downloads hit the cache.
func (s *Store) SaveRemoteFile(remoteURL, prefix string) (string, string, error) {
	sum := sha256.Sum256([]byte(remoteURL))
	digest := hex.EncodeToString(sum[:])[:16]

	suffix := ".mp4"
	if parsed, err := url.Parse(remoteURL); err == nil {
		if ext := strings.ToLower(filepath.Ext(parsed.Path)); ext != "" && len(ext) <= 8 {
			suffix = ext
		}
	}

	filename := fmt.Sprintf("%s_remote_%s%s", prefix, digest, suffix)
	dest := filepath.Join(s.dir, filename)
	if _, err := os.Stat(dest); err == nil {
		abs, _ := filepath.Abs(dest)
		return s.publicURL(filename), abs, nil
	}

	data, err := fetchRemote(remoteURL)
	if err != nil {
		return "", "", err
	}

	tmp := filepath.Join(s.dir, "."+filename+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", "", fmt.Errorf("write remote media: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return "", "", fmt.Errorf("store remote media: %w", err)
	}

	abs, _ := filepath.Abs(dest)
	return s.publicURL(filename), abs, nil
}

// DownloadToTemp fetches a remote reference file into a temp path for a
// provider upload. The caller removes the file.
func DownloadToTemp(remoteURL, defaultSuffix string) (string, error) {
	suffix := defaultSuffix
	if parsed, err := url.Parse(remoteURL); err == nil {
		if ext := strings.ToLower(filepath.Ext(parsed.Path)); len(ext) > 1 && len(ext) <= 8 {
			suffix = ext
		}
	}

	data, err := fetchRemote(remoteURL)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp("", "relay_ref_*"+suffix)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write temp file: %w", err)
	}
	tmp.Close()
	return tmp.Name(), nil
}

// CleanupOldFiles removes generated media older than maxAge. Returns the
// deleted filenames.
func (s *Store) CleanupOldFiles(maxAge time.Duration) []string {
	cutoff := time.Now().Add(-maxAge)
	var deleted []string

	for _, pattern := range []string{"img_*.*", "vid_*.*"} {
		matches, err := filepath.Glob(filepath.Join(s.dir, pattern))
		if err != nil {
			continue
		}
		for _, path := range matches {
			info, err := os.Stat(path)
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(path); err == nil {
				deleted = append(deleted, filepath.Base(path))
				log.WithField("file", filepath.Base(path)).Info("cleaned up old file")
			}
		}
	}
	return deleted
}

func (s *Store) publicURL(filename string) string {
	return s.baseURL + "/static/generated/" + filename
}

func fetchRemote(remoteURL string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, remoteURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	client := &http.Client{Timeout: 2 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", remoteURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", remoteURL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
