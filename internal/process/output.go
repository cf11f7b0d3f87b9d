package process

import (
	"io"
	"sync"
)

// SyncWriter serializes writes from several children and lets the target be swapped
// at runtime (the TUI log pane replaces stdout while it is open).
type SyncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewSyncWriter(w io.Writer) *SyncWriter {
	return &SyncWriter{w: w}
}

func (s *SyncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// SetOutput replaces the target and returns the previous one.
func (s *SyncWriter) SetOutput(w io.Writer) io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.w
	s.w = w
	return prev
}
