package decode

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Signals is the completion-signal envelope emitter of spec.md §6:
// "[DOPPLER:RESULT] <json>" for full artifacts, "[DOPPLER:ERROR] <json>"
// on failure, "[DOPPLER:DONE] <json>" always last, exactly once per
// request.
type Signals interface {
	Result(payload any) error
	Error(err error) error
	Done() error
}

// WriterSignals writes the envelope as newline-delimited "[DOPPLER:KIND]
// <json>" lines to an underlying io.Writer (the host's I/O channel).
type WriterSignals struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterSignals returns a Signals that writes to w.
func NewWriterSignals(w io.Writer) *WriterSignals {
	return &WriterSignals{w: w}
}

func (s *WriterSignals) emit(kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("decode: marshal %s signal: %w", kind, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = fmt.Fprintf(s.w, "[DOPPLER:%s] %s\n", kind, data)
	return err
}

func (s *WriterSignals) Result(payload any) error { return s.emit("RESULT", payload) }

func (s *WriterSignals) Error(err error) error {
	return s.emit("ERROR", map[string]string{"error": err.Error()})
}

func (s *WriterSignals) Done() error {
	return s.emit("DONE", map[string]string{"status": "done"})
}
