package journal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ReplayResult describes how far a replay got.
type ReplayResult struct {
	Records int
	// Corrupted is set when replay stopped at an undecodable record. Err holds
	// the decode error and ValidOffset the byte offset just past the last good
	// line (header included).
	Corrupted   bool
	Err         error
	ValidOffset int64
}

// ReadHeader reads the two header lines.
func ReadHeader(r *bufio.Reader) (string, string, error) {
	first, second, _, err := readHeader(r)
	return first, second, err
}

func readHeader(r *bufio.Reader) (string, string, int64, error) {
	first, n1, err := readLine(r)
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	second, n2, err := readLine(r)
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	return first, second, int64(n1 + n2), nil
}

// Replay validates the header and feeds every decodable record to apply in file
// order. It stops at the first corrupt record; lines after it are not read. A
// bad header is reported as ErrInvalidHeader, a corrupt record only through the
// result.
func Replay(r io.Reader, magic, version string, apply func(Record)) (ReplayResult, error) {
	br := bufio.NewReader(r)
	result := ReplayResult{}

	first, second, headerLen, err := readHeader(br)
	if err != nil {
		return result, err
	}
	if !ValidateHeader(first, second, magic, version) {
		return result, fmt.Errorf("%w: got %q/%q, want %q/%q", ErrInvalidHeader, first, second, magic, version)
	}
	result.ValidOffset = headerLen

	for {
		raw, err := br.ReadString('\n')
		if errors.Is(err, io.EOF) {
			if raw != "" {
				// A final line without its newline is a torn append.
				result.Corrupted = true
				result.Err = fmt.Errorf("%w: unterminated line %q", ErrCorruptedEntry, raw)
			}
			return result, nil
		}
		if err != nil {
			return result, err
		}

		rec, err := DecodeRecord(strings.TrimSuffix(raw, "\n"))
		if err != nil {
			result.Corrupted = true
			result.Err = err
			return result, nil
		}

		apply(rec)
		result.Records++
		result.ValidOffset += int64(len(raw))
	}
}

func readLine(r *bufio.Reader) (string, int, error) {
	line, err := r.ReadString('\n')
	if errors.Is(err, io.EOF) {
		return "", 0, io.ErrUnexpectedEOF
	}
	if err != nil {
		return "", 0, err
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r"), len(line), nil
}
