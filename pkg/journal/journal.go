// Package journal implements the append-only text log that backs a disk cache
// index. A journal starts with a two-line header (magic, version) followed by
// one record per line:
//
//	c <key> <origin-ticks> <ttl-millis>
//	m <key> <origin-ticks> <ttl-millis>
//	d <key>
//
// Origin ticks count 100ns intervals since 0001-01-01T00:00:00Z.
package journal

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	Magic    = "MONOID"
	FileName = ".journal"
)

type Op byte

const (
	OpCreated  Op = 'c'
	OpModified Op = 'm'
	OpDeleted  Op = 'd'
)

func (op Op) String() string {
	switch op {
	case OpCreated:
		return "created"
	case OpModified:
		return "modified"
	case OpDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("op(%q)", byte(op))
	}
}

var (
	ErrCorruptedEntry = errors.New("corrupted journal entry")
	ErrInvalidHeader  = errors.New("invalid journal header")
)

// Record is a single journal line. Origin and TimeToLive are ignored for
// OpDeleted.
type Record struct {
	Op         Op
	Key        string
	Origin     time.Time
	TimeToLive time.Duration
}

const (
	ticksPerSecond   = int64(time.Second / 100)
	ticksAtUnixEpoch = int64(621355968000000000)
)

// ToTicks converts t to 100ns ticks since year 1, UTC.
func ToTicks(t time.Time) int64 {
	t = t.UTC()
	return t.Unix()*ticksPerSecond + int64(t.Nanosecond()/100) + ticksAtUnixEpoch
}

// FromTicks is the inverse of ToTicks.
func FromTicks(ticks int64) time.Time {
	rel := ticks - ticksAtUnixEpoch
	return time.Unix(rel/ticksPerSecond, (rel%ticksPerSecond)*100).UTC()
}

// Precision truncates t to the resolution a record can carry.
func Precision(t time.Time) time.Time {
	return FromTicks(ToTicks(t))
}

func WriteHeader(w io.Writer, magic, version string) error {
	_, err := io.WriteString(w, magic+"\n"+version+"\n")
	return err
}

func ValidateHeader(first, second, magic, version string) bool {
	return first == magic && second == version
}

// EncodeRecord renders r as a single line without the trailing newline.
func EncodeRecord(r Record) string {
	var b strings.Builder
	b.WriteByte(byte(r.Op))
	b.WriteByte(' ')
	b.WriteString(r.Key)
	if r.Op != OpDeleted {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(ToTicks(r.Origin), 10))
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(r.TimeToLive.Milliseconds(), 10))
	}
	return b.String()
}

func DecodeRecord(line string) (Record, error) {
	line = strings.TrimSuffix(line, "\r")
	if len(line) < 3 || line[1] != ' ' {
		return Record{}, fmt.Errorf("%w: malformed line %q", ErrCorruptedEntry, line)
	}

	op := Op(line[0])
	parts := strings.Split(line[2:], " ")

	switch op {
	case OpDeleted:
		if len(parts) != 1 || parts[0] == "" {
			return Record{}, fmt.Errorf("%w: invalid delete entry %q", ErrCorruptedEntry, line)
		}
		return Record{Op: op, Key: parts[0]}, nil

	case OpCreated, OpModified:
		if len(parts) != 3 || parts[0] == "" {
			return Record{}, fmt.Errorf("%w: invalid entry %q", ErrCorruptedEntry, line)
		}
		ticks, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("%w: corrupted origin %q", ErrCorruptedEntry, parts[1])
		}
		millis, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("%w: corrupted duration %q", ErrCorruptedEntry, parts[2])
		}
		return Record{
			Op:         op,
			Key:        parts[0],
			Origin:     FromTicks(ticks),
			TimeToLive: time.Duration(millis) * time.Millisecond,
		}, nil

	default:
		return Record{}, fmt.Errorf("%w: unknown op %q", ErrCorruptedEntry, line[0])
	}
}
