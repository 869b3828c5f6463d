package common

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDownloadConfig() *DownloadConfig {
	return &DownloadConfig{
		MaxRetries:    3,
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: 5 * time.Millisecond,
		AutoDownload:  true,
	}
}

func checksumOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestEnsureArtifactDownloadsAndVerifies(t *testing.T) {
	payload := []byte("credit score proving system")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(payload)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "keys", "credit_score.key")
	a := Artifact{Path: path, URL: srv.URL + "/credit_score.key", SHA256: checksumOf(payload)}
	require.NoError(t, EnsureArtifact(a, testDownloadConfig()))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, int32(2), hits.Load())

	// Already present and valid: no further requests.
	require.NoError(t, EnsureArtifact(a, testDownloadConfig()))
	assert.Equal(t, int32(2), hits.Load())
}

func TestEnsureArtifactRejectsChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tampered"))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "credit_score.key")
	a := Artifact{Path: path, URL: srv.URL, SHA256: checksumOf([]byte("original"))}
	err := EnsureArtifact(a, testDownloadConfig())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrArtifactInvalid))
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestEnsureArtifactWithoutDownload(t *testing.T) {
	dir := t.TempDir()
	cfg := testDownloadConfig()
	cfg.AutoDownload = false

	err := EnsureArtifact(Artifact{Path: filepath.Join(dir, "missing.key")}, cfg)
	assert.Error(t, err)

	path := filepath.Join(dir, "local.key")
	require.NoError(t, os.WriteFile(path, []byte("local"), 0644))
	assert.NoError(t, EnsureArtifact(Artifact{Path: path, SHA256: checksumOf([]byte("local"))}, cfg))

	err = EnsureArtifact(Artifact{Path: path, SHA256: checksumOf([]byte("other"))}, cfg)
	assert.True(t, errors.Is(err, ErrArtifactInvalid))
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, time.Second, calculateBackoff(1, time.Second, time.Minute))
	assert.Equal(t, 4*time.Second, calculateBackoff(3, time.Second, time.Minute))
	assert.Equal(t, time.Minute, calculateBackoff(10, time.Second, time.Minute))
}
