package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// WeightExtensions are the model weight file types the library picks up.
var WeightExtensions = []string{".safetensors", ".ckpt", ".pt", ".pth"}

var videoExtensions = map[string]bool{
	".mp4":  true,
	".webm": true,
	".mov":  true,
	".m4v":  true,
	".mkv":  true,
	".avi":  true,
}

// FileHashes holds the digests computed in one pass over a file.
type FileHashes struct {
	SHA256 string
	BLAKE3 string
}

// HashFile streams the file once and returns its SHA256 and BLAKE3 digests (lower-case hex).
func HashFile(filePath string) (FileHashes, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return FileHashes{}, fmt.Errorf("opening %s for hashing: %w", filePath, err)
	}
	defer f.Close()

	sha := sha256.New()
	b3 := blake3.New()
	if _, err := io.Copy(io.MultiWriter(sha, b3), f); err != nil {
		return FileHashes{}, fmt.Errorf("hashing %s: %w", filePath, err)
	}
	sums := FileHashes{
		SHA256: hex.EncodeToString(sha.Sum(nil)),
		BLAKE3: hex.EncodeToString(b3.Sum(nil)),
	}
	log.WithField("file", filePath).Debugf("SHA256=%s", sums.SHA256)
	return sums, nil
}

// IsWeightFile reports whether name has one of the model weight extensions.
func IsWeightFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range WeightExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// IsVideo reports whether an image resource is really a video, by declared type or URL extension.
func IsVideo(resourceType, rawURL string) bool {
	if strings.EqualFold(resourceType, "video") {
		return true
	}
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	}
	return videoExtensions[strings.ToLower(path.Ext(p))]
}

// CounterWriter tracks the number of bytes written to the underlying writer.
type CounterWriter struct {
	Total  uint64
	Writer io.Writer
}

// Write implements the io.Writer interface for CounterWriter.
func (cw *CounterWriter) Write(p []byte) (int, error) {
	n, err := cw.Writer.Write(p)
	cw.Total += uint64(n)
	return n, err
}

// ConvertToSlug converts a string into a filesystem-friendly slug.
func ConvertToSlug(str string) string {
	str = strings.ReplaceAll(str, " ", "_")
	str = strings.ReplaceAll(str, ":", "-")
	str = strings.ToLower(str)

	allowedChars := "0123456789abcdefghijklmnopqrstuvwxyz._-"

	var filtered strings.Builder
	for _, ch := range str {
		if strings.ContainsRune(allowedChars, ch) {
			filtered.WriteRune(ch)
		}
	}
	str = filtered.String()

	for strings.Contains(str, "--") {
		str = strings.ReplaceAll(str, "--", "-")
	}
	for strings.Contains(str, "__") {
		str = strings.ReplaceAll(str, "__", "_")
	}
	str = strings.ReplaceAll(str, "-_", "-")
	str = strings.ReplaceAll(str, "_-", "-")

	return strings.Trim(str, "_-")
}

// CheckAndMakeDir ensures a directory exists, creating it if necessary.
func CheckAndMakeDir(dir string) bool {
	if err := os.MkdirAll(dir, 0700); err != nil {
		log.WithError(err).Errorf("Error creating directory %s", dir)
		return false
	}
	return true
}

// WriteFileAtomic writes data to a temp file next to target and renames it into place.
func WriteFileAtomic(target string, data []byte) error {
	dir := filepath.Dir(target)
	if !CheckAndMakeDir(dir) {
		return fmt.Errorf("creating directory %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", target, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming %s to %s: %w", tmpName, target, err)
	}
	return nil
}
