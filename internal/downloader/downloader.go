package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go-civitai-library/internal/helpers"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
)

// Custom Downloader Errors
var (
	ErrHashMismatch = errors.New("downloaded file hash mismatch")
	ErrHttpStatus   = errors.New("unexpected HTTP status code")
	ErrFileSystem   = errors.New("filesystem error") // Covers create, remove, rename
	ErrHttpRequest  = errors.New("HTTP request creation/execution error")
)

// Downloader fetches remote files into place via a temp file and rename.
type Downloader struct {
	client *http.Client
	apiKey string
}

// NewDownloader creates a new Downloader instance.
func NewDownloader(client *http.Client, apiKey string) *Downloader {
	if client == nil {
		client = &http.Client{
			Timeout: 2 * time.Minute,
		}
	}
	return &Downloader{
		client: client,
		apiKey: apiKey,
	}
}

// Result describes a finished download.
type Result struct {
	Path    string
	Bytes   int64
	Skipped bool // the target already existed and matched
}

// findExisting reports whether targetPath already exists and, when expectedSHA256
// is given, whether its content matches.
func findExisting(targetPath, expectedSHA256 string) (bool, error) {
	info, err := os.Stat(targetPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking %s: %w", targetPath, err)
	}
	if info.IsDir() || info.Size() == 0 {
		return false, nil
	}
	if expectedSHA256 == "" {
		return true, nil
	}
	hashes, err := helpers.HashFile(targetPath)
	if err != nil {
		return false, err
	}
	if !strings.EqualFold(hashes.SHA256, expectedSHA256) {
		log.Debugf("Existing file %s has a different hash, downloading again", targetPath)
		return false, nil
	}
	return true, nil
}

// Download fetches url into targetPath. An existing target (with a matching
// SHA-256 when one is given) is kept and the request is skipped. On any failure
// the target is left untouched.
func (d *Downloader) Download(ctx context.Context, url, targetPath, expectedSHA256 string) (Result, error) {
	exists, err := findExisting(targetPath, expectedSHA256)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrFileSystem, err)
	}
	if exists {
		log.Debugf("Found valid existing file %s, skipping download", targetPath)
		return Result{Path: targetPath, Skipped: true}, nil
	}

	targetDir := filepath.Dir(targetPath)
	if !helpers.CheckAndMakeDir(targetDir) {
		return Result{}, fmt.Errorf("%w: failed to create target directory %s", ErrFileSystem, targetDir)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("%w: creating download request for %s: %w", ErrHttpRequest, url, err)
	}
	if d.apiKey != "" && strings.Contains(req.URL.Host, "civitai.com") {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: performing request for %s: %w", ErrHttpRequest, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: received status %d from %s", ErrHttpStatus, resp.StatusCode, url)
	}

	tempFile, err := os.CreateTemp(targetDir, filepath.Base(targetPath)+".*.tmp")
	if err != nil {
		return Result{}, fmt.Errorf("%w: creating temporary file for %s: %w", ErrFileSystem, targetPath, err)
	}
	shouldCleanupTemp := true
	defer func() {
		if shouldCleanupTemp {
			if removeErr := os.Remove(tempFile.Name()); removeErr != nil && !os.IsNotExist(removeErr) {
				log.WithError(removeErr).Warnf("Failed to remove temporary file %s", tempFile.Name())
			}
		}
	}()

	counter := &helpers.CounterWriter{Writer: tempFile}
	if _, err := io.Copy(counter, resp.Body); err != nil {
		tempFile.Close()
		return Result{}, fmt.Errorf("%w: writing temporary file %s: %w", ErrFileSystem, tempFile.Name(), err)
	}
	if err := tempFile.Close(); err != nil {
		return Result{}, fmt.Errorf("%w: closing temp file %s: %w", ErrFileSystem, tempFile.Name(), err)
	}

	if expectedSHA256 != "" {
		hashes, err := helpers.HashFile(tempFile.Name())
		if err != nil {
			return Result{}, fmt.Errorf("%w: hashing %s: %w", ErrFileSystem, tempFile.Name(), err)
		}
		if !strings.EqualFold(hashes.SHA256, expectedSHA256) {
			return Result{}, ErrHashMismatch
		}
	}

	if err := os.Rename(tempFile.Name(), targetPath); err != nil {
		return Result{}, fmt.Errorf("%w: renaming temporary file %s to %s: %w", ErrFileSystem, tempFile.Name(), targetPath, err)
	}
	shouldCleanupTemp = false
	log.Debugf("Downloaded %s (%s)", targetPath, humanize.Bytes(counter.Total))
	return Result{Path: targetPath, Bytes: int64(counter.Total)}, nil
}
