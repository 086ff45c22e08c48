package sshterminal

import (
	"sync"
)

// defaultScrollbackSize is the default maximum scrollback buffer size (64 KB).
const defaultScrollbackSize = 64 * 1024

// ScrollbackBuffer is a thread-safe byte buffer holding the most recent
// terminal output for replay to late subscribers. When the buffer exceeds
// maxLen, older data is trimmed from the front.
type ScrollbackBuffer struct {
	mu     sync.Mutex
	data   []byte
	maxLen int
}

// NewScrollbackBuffer creates a new scrollback buffer with the given maximum size.
// If maxLen <= 0, defaultScrollbackSize is used.
func NewScrollbackBuffer(maxLen int) *ScrollbackBuffer {
	if maxLen <= 0 {
		maxLen = defaultScrollbackSize
	}
	return &ScrollbackBuffer{maxLen: maxLen}
}

// Write appends data, trimming from the front if the total exceeds maxLen.
func (s *ScrollbackBuffer) Write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, p...)
	if len(s.data) > s.maxLen {
		trimmed := make([]byte, s.maxLen)
		copy(trimmed, s.data[len(s.data)-s.maxLen:])
		s.data = trimmed
	}
}

// Snapshot returns a copy of the current buffer contents.
func (s *ScrollbackBuffer) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]byte, len(s.data))
	copy(result, s.data)
	return result
}

// Len returns the current buffer length.
func (s *ScrollbackBuffer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
