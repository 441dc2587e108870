package api

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	openTransportsMu sync.Mutex
	openTransports   []*LoggingTransport
)

// LoggingTransport wraps an http.RoundTripper to log request and response details.
type LoggingTransport struct {
	Transport http.RoundTripper
	logFile   *os.File
	mu        sync.Mutex
	writer    *bufio.Writer
}

// NewLoggingTransport creates a new LoggingTransport appending to logFilePath.
func NewLoggingTransport(transport http.RoundTripper, logFilePath string) (*LoggingTransport, error) {
	f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open API log file %s: %w", logFilePath, err)
	}
	if transport == nil {
		transport = http.DefaultTransport
	}

	t := &LoggingTransport{
		Transport: transport,
		logFile:   f,
		writer:    bufio.NewWriter(f),
	}
	openTransportsMu.Lock()
	openTransports = append(openTransports, t)
	openTransportsMu.Unlock()
	return t, nil
}

// RoundTrip executes a single HTTP transaction, logging details.
// JSON bodies are logged in full; other content types (images) only by header.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	startTime := time.Now()

	reqDump, err := httputil.DumpRequestOut(req, false)
	if err != nil {
		log.WithError(err).Error("Failed to dump API request for logging")
	} else {
		t.writeLog(fmt.Sprintf("--- Request (%s) ---\n%s", startTime.Format(time.RFC3339), string(reqDump)))
	}

	resp, err := t.Transport.RoundTrip(req)
	duration := time.Since(startTime)

	if err != nil {
		t.writeLog(fmt.Sprintf("--- Response Error (Duration: %v) ---\n%s", duration, err.Error()))
		return resp, err
	}

	contentType := resp.Header.Get("Content-Type")
	headers, dumpErr := httputil.DumpResponse(resp, false)
	if dumpErr != nil {
		headers = []byte("Status: " + resp.Status)
	}

	if !strings.HasPrefix(contentType, "application/json") {
		t.writeLog(fmt.Sprintf("--- Response Headers (Duration: %v, Type: %s) ---\n%s(Body not logged)", duration, contentType, string(headers)))
		return resp, nil
	}

	bodyBytes, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		log.WithError(readErr).Error("Failed to read response body for logging")
		t.writeLog(fmt.Sprintf("--- Response Headers (Duration: %v) ---\n%s(Body read failed)", duration, string(headers)))
		return resp, readErr
	}
	resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	t.writeLog(fmt.Sprintf("--- Response Headers (Duration: %v) ---\n%s--- Response Body (%s) ---\n%s", duration, string(headers), contentType, string(bodyBytes)))
	return resp, nil
}

// writeLog writes one entry and flushes it.
func (t *LoggingTransport) writeLog(entry string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.writer.WriteString(entry + "\n\n"); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing to API log file: %v\n", err)
		return
	}
	t.writer.Flush()
}

// Close flushes and closes the underlying log file.
func (t *LoggingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.logFile == nil {
		return nil
	}
	errFlush := t.writer.Flush()
	errClose := t.logFile.Close()
	t.logFile = nil
	if errFlush != nil {
		return fmt.Errorf("failed to flush API log buffer: %w", errFlush)
	}
	return errClose
}

// CloseAllLoggingTransports closes every transport opened by this process.
func CloseAllLoggingTransports() {
	openTransportsMu.Lock()
	transports := openTransports
	openTransports = nil
	openTransportsMu.Unlock()

	for _, t := range transports {
		if err := t.Close(); err != nil {
			log.WithError(err).Error("Error closing API log file")
		}
	}
}
