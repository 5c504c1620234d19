package journal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Writer appends records to an existing journal file. Every Append is flushed
// to the file before it returns.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

func OpenWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &Writer{file: f, writer: bufio.NewWriter(f)}, nil
}

// Create writes a fresh journal containing only the header, replacing any file
// already at path.
func Create(path, magic, version string) error {
	return Rewrite(path, magic, version, nil)
}

func (w *Writer) Append(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return os.ErrClosed
	}
	if _, err := w.writer.WriteString(EncodeRecord(r) + "\n"); err != nil {
		w.writer.Reset(w.file)
		return err
	}
	if err := w.writer.Flush(); err != nil {
		w.writer.Reset(w.file)
		return err
	}
	return nil
}

func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return os.ErrClosed
	}
	return w.file.Sync()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Sync()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	w.file = nil
	return err
}

// Rewrite replaces the journal at path with header + records, going through a
// temp file in the same directory so a crash leaves either the old or the new
// journal.
func Rewrite(path, magic, version string, records []Record) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), FileName+".compact*")
	if err != nil {
		return fmt.Errorf("failed to create journal temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	bw := bufio.NewWriter(tmp)
	err = WriteHeader(bw, magic, version)
	for i := 0; err == nil && i < len(records); i++ {
		_, err = bw.WriteString(EncodeRecord(records[i]) + "\n")
	}
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace journal: %w", err)
	}
	return nil
}
