package log

import (
	"bytes"
	"sync"
)

// DefaultSinkLines is the number of lines a worker sink retains.
const DefaultSinkLines = 200

// Sink is a bounded, line-oriented in-memory log. Each worker owns one so
// launch failures can be read back per worker.
type Sink struct {
	mu    sync.Mutex
	max   int
	lines []string
	buf   []byte
}

// NewSink creates a sink that keeps the last max lines.
func NewSink(max int) *Sink {
	if max <= 0 {
		max = DefaultSinkLines
	}
	return &Sink{max: max}
}

// Write implements io.Writer. Partial lines are held until their newline.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, p...)
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		s.lines = append(s.lines, string(s.buf[:i]))
		s.buf = s.buf[i+1:]
	}
	if over := len(s.lines) - s.max; over > 0 {
		s.lines = append([]string(nil), s.lines[over:]...)
	}
	return len(p), nil
}

// Lines returns a copy of the retained lines, oldest first.
func (s *Sink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}
