// Package auditlog reads and appends the JSON Lines audit log.
//
// Byte offsets are the only cursor. A Reader never consumes a line that has not
// been terminated by a newline, so a partially flushed record is picked up
// again once the producer finishes writing it.
package auditlog

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// Line is one complete log line and the byte span it occupies.
type Line struct {
	Offset int64
	Next   int64
	Data   []byte
}

// Reader is a forward-only cursor over the log. Each Reader owns its own file handle.
type Reader struct {
	path   string
	file   *os.File
	buf    *bufio.Reader
	offset int64
}

// Open opens path read-only positioned at offset. An offset past the end of the
// file resets to the beginning.
func Open(path string, offset int64) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("auditlog: stat %s: %w", path, err)
	}
	if offset < 0 || offset > info.Size() {
		offset = 0
	}

	r := &Reader{path: path, file: f, offset: offset}
	if err := r.seek(offset); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) seek(offset int64) error {
	if _, err := r.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("auditlog: seek %s: %w", r.path, err)
	}
	r.offset = offset
	if r.buf == nil {
		r.buf = bufio.NewReaderSize(r.file, 64*1024)
	} else {
		r.buf.Reset(r.file)
	}
	return nil
}

// Next returns the next complete line. ok is false when no complete line is
// available yet; the cursor then stays where it was and a later call retries
// from the same offset. Blank lines are skipped.
func (r *Reader) Next() (line Line, ok bool, err error) {
	for {
		data, readErr := r.buf.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return Line{}, false, fmt.Errorf("auditlog: read %s: %w", r.path, readErr)
		}

		if len(data) == 0 || data[len(data)-1] != '\n' {
			// Partial line or clean EOF: rewind so the bytes are re-read later.
			if len(data) > 0 {
				if err := r.seek(r.offset); err != nil {
					return Line{}, false, err
				}
			}
			return Line{}, false, nil
		}

		start := r.offset
		r.offset += int64(len(data))

		trimmed := bytes.TrimSpace(data)
		if len(trimmed) == 0 {
			continue
		}
		return Line{Offset: start, Next: r.offset, Data: trimmed}, true, nil
	}
}

// Offset returns the byte offset of the next unread line.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Close releases the file handle.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Size returns the current length of the log in bytes. A missing file has size 0.
func Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// EndOffset returns the offset just past the last complete line, so a tail
// started there never begins inside a record still being written.
func EndOffset(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("auditlog: stat %s: %w", path, err)
	}

	const chunk = 64 * 1024
	end := info.Size()
	buf := make([]byte, chunk)
	for end > 0 {
		start := max(end-chunk, 0)
		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("auditlog: read %s: %w", path, err)
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}
		end = start
	}
	return 0, nil
}
