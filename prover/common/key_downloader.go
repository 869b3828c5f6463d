package common

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"zkcredit/credit-prover/logging"
)

const (
	DefaultMaxRetries    = 10
	DefaultRetryDelay    = 5 * time.Second
	DefaultMaxRetryDelay = 5 * time.Minute
)

// Artifact is a file the prover needs at a pinned SHA-256. URL may be empty
// when the file is provisioned out of band.
type Artifact struct {
	Path   string
	URL    string
	SHA256 string
}

type DownloadConfig struct {
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	AutoDownload  bool
	Client        *http.Client
}

func DefaultDownloadConfig() *DownloadConfig {
	return &DownloadConfig{
		MaxRetries:    DefaultMaxRetries,
		RetryDelay:    DefaultRetryDelay,
		MaxRetryDelay: DefaultMaxRetryDelay,
		AutoDownload:  true,
	}
}

func (c *DownloadConfig) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return &http.Client{Timeout: 60 * time.Minute}
}

func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func verifyChecksum(path string, expectedChecksum string) (bool, error) {
	actual, err := fileChecksum(path)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(actual, expectedChecksum), nil
}

func calculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	delay := initialDelay * time.Duration(1<<uint(attempt-1))
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func downloadFileWithResume(url, outputPath string, config *DownloadConfig) error {
	tempPath := outputPath + ".tmp"
	client := config.httpClient()

	retry := func(attempt int, event string, err error, status int) bool {
		if attempt >= config.MaxRetries {
			return false
		}
		delay := calculateBackoff(attempt, config.RetryDelay, config.MaxRetryDelay)
		logging.Logger().Warn().
			Err(err).
			Int("status_code", status).
			Dur("retry_delay", delay).
			Msg(event + ", retrying")
		time.Sleep(delay)
		return true
	}

	for attempt := 1; attempt <= config.MaxRetries; attempt++ {
		var existingSize int64 = 0
		if fileInfo, err := os.Stat(tempPath); err == nil {
			existingSize = fileInfo.Size()
		}

		req, err := http.NewRequest("GET", url, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if existingSize > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", existingSize))
		}
		logging.Logger().Info().
			Str("url", url).
			Int64("resume_from", existingSize).
			Int("attempt", attempt).
			Int("max_retries", config.MaxRetries).
			Msg("Downloading artifact")

		resp, err := client.Do(req)
		if err != nil {
			if retry(attempt, "Download failed", err, 0) {
				continue
			}
			return fmt.Errorf("failed to download after %d attempts: %w", config.MaxRetries, err)
		}

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
			resp.Body.Close()
			if retry(attempt, "Unexpected status code", nil, resp.StatusCode) {
				continue
			}
			return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}

		var file *os.File
		if existingSize > 0 && resp.StatusCode == http.StatusPartialContent {
			file, err = os.OpenFile(tempPath, os.O_APPEND|os.O_WRONLY, 0644)
		} else {
			file, err = os.Create(tempPath)
			existingSize = 0
		}
		if err != nil {
			resp.Body.Close()
			return fmt.Errorf("failed to open file: %w", err)
		}

		written, copyErr := io.Copy(file, resp.Body)
		file.Close()
		resp.Body.Close()
		if copyErr != nil {
			if retry(attempt, "Download interrupted", copyErr, resp.StatusCode) {
				continue
			}
			return fmt.Errorf("download failed: %w", copyErr)
		}

		if err := os.Rename(tempPath, outputPath); err != nil {
			return fmt.Errorf("failed to rename temp file: %w", err)
		}

		logging.Logger().Info().
			Str("file", filepath.Base(outputPath)).
			Int64("size", existingSize+written).
			Msg("Download completed successfully")
		return nil
	}

	return fmt.Errorf("failed to download after %d attempts", config.MaxRetries)
}

// EnsureArtifact makes sure a.Path exists and matches a.SHA256, downloading it
// from a.URL when allowed. A checksum mismatch is an ArtifactInvalid error.
func EnsureArtifact(a Artifact, config *DownloadConfig) error {
	if config == nil {
		config = DefaultDownloadConfig()
	}
	filename := filepath.Base(a.Path)

	if _, err := os.Stat(a.Path); err == nil {
		if a.SHA256 == "" {
			logging.Logger().Warn().Str("file", filename).Msg("No checksum pinned for artifact, using it unverified")
			return nil
		}
		valid, err := verifyChecksum(a.Path, a.SHA256)
		if err != nil {
			return fmt.Errorf("failed to verify %s: %w", filename, err)
		}
		if valid {
			logging.Logger().Info().Str("file", filename).Msg("Artifact is valid")
			return nil
		}
		if !config.AutoDownload || a.URL == "" {
			return Errorf(ArtifactInvalid, "%s does not match pinned checksum", filename)
		}
		logging.Logger().Warn().Str("file", filename).Msg("Checksum mismatch, re-downloading")
		os.Remove(a.Path)
	} else if !config.AutoDownload || a.URL == "" {
		return fmt.Errorf("required artifact not found: %s (auto-download disabled)", a.Path)
	}

	if a.SHA256 == "" {
		return Errorf(ArtifactInvalid, "refusing to download %s without a pinned checksum", filename)
	}
	if err := os.MkdirAll(filepath.Dir(a.Path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := downloadFileWithResume(a.URL, a.Path, config); err != nil {
		return err
	}

	valid, err := verifyChecksum(a.Path, a.SHA256)
	if err != nil {
		return fmt.Errorf("failed to verify downloaded file: %w", err)
	}
	if !valid {
		os.Remove(a.Path)
		return Errorf(ArtifactInvalid, "downloaded %s does not match pinned checksum", filename)
	}

	logging.Logger().Info().
		Str("file", filename).
		Msg("Artifact downloaded and verified successfully")
	return nil
}
