package timeline

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// FileSink is the file-backed Sink implementation. All writes go through a
// single mutex; the timeline's append lock already serializes callers, the
// mutex here just keeps the sink safe if shared.
type FileSink struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// NewFileSink opens (or creates) the timeline file at path.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("timeline: opening sink %s: %w", path, err)
	}
	return &FileSink{path: path, file: f}, nil
}

// Path returns the backing file path, used by the corruption watcher.
func (s *FileSink) Path() string { return s.path }

func (s *FileSink) AppendBytes(record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	_, err := s.file.Write(record)
	return err
}

func (s *FileSink) ReadRange(from, to int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.file.Stat()
	if err != nil {
		return nil, err
	}
	if to < 0 || to > info.Size() {
		to = info.Size()
	}
	if from < 0 || from > to {
		return nil, fmt.Errorf("timeline: invalid read range [%d, %d)", from, to)
	}
	out := make([]byte, to-from)
	if _, err := s.file.ReadAt(out, from); err != nil && err != io.EOF {
		return nil, err
	}
	return out, nil
}

func (s *FileSink) Fsync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Sync()
}

func (s *FileSink) Truncate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Truncate(0); err != nil {
		return err
	}
	_, err := s.file.Seek(0, io.SeekStart)
	return err
}

// Close releases the underlying file handle.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

var _ Sink = (*FileSink)(nil)
