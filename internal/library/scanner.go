package library

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ScanFunc performs one full scan.
type ScanFunc func(ctx context.Context) error

// Scanner runs scans one at a time. Background triggers while a scan is running are dropped.
type Scanner struct {
	mu       sync.Mutex
	scanning bool
	done     chan struct{}
	lastErr  error
	lastRun  time.Time
	scan     ScanFunc
}

// NewScanner wraps scan with the single-flight guard.
func NewScanner(scan ScanFunc) *Scanner {
	return &Scanner{scan: scan}
}

// TriggerScan starts a background scan unless one is already running.
// It returns false when the trigger was dropped.
func (s *Scanner) TriggerScan() bool {
	done, ok := s.begin()
	if !ok {
		log.Debug("Scan already in progress, trigger dropped")
		return false
	}
	go s.run(context.Background(), done)
	return true
}

// ScanNow waits for any running scan, then runs a fresh one and returns its result.
func (s *Scanner) ScanNow(ctx context.Context) error {
	for {
		done, ok := s.begin()
		if ok {
			return s.run(ctx, done)
		}
		if err := s.Wait(ctx); err != nil {
			return err
		}
	}
}

// Scanning reports whether a scan is in progress.
func (s *Scanner) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

// Wait blocks until the running scan (if any) finishes or ctx ends.
func (s *Scanner) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	running := s.scanning
	s.mu.Unlock()
	if !running {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastResult returns the error and finish time of the most recent scan.
func (s *Scanner) LastResult() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastErr
}

func (s *Scanner) begin() (chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanning {
		return nil, false
	}
	s.scanning = true
	s.done = make(chan struct{})
	return s.done, true
}

// run executes the scan, recovering panics, and always returns the scanner to idle.
func (s *Scanner) run(ctx context.Context, done chan struct{}) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scan panicked: %v", r)
		}
		if err != nil {
			log.WithError(err).Error("Library scan failed")
		} else {
			log.Debugf("Library scan finished in %s", time.Since(start).Round(time.Millisecond))
		}
		s.mu.Lock()
		s.scanning = false
		s.lastErr = err
		s.lastRun = time.Now()
		close(done)
		s.mu.Unlock()
	}()

	log.Info("Library scan started")
	return s.scan(ctx)
}
