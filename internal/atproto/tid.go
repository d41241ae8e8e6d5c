package atproto

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	tidAlphabet = "234567abcdefghijklmnopqrstuvwxyz"
	tidLength   = 13
)

// ErrInvalidTID is returned for record keys that are not timestamp identifiers.
var ErrInvalidTID = errors.New("invalid tid")

// TID is a sortable, time-derived record key. The top 53 bits hold
// microseconds since the Unix epoch, the low 10 bits a clock identifier.
type TID uint64

// ParseTID decodes a 13 character TID.
func ParseTID(s string) (TID, error) {
	if len(s) != tidLength {
		return 0, fmt.Errorf("%w: %q has length %d", ErrInvalidTID, s, len(s))
	}
	var v uint64
	for i := 0; i < len(s); i++ {
		idx := strings.IndexByte(tidAlphabet, s[i])
		if idx < 0 || (i == 0 && idx >= 16) {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTID, s)
		}
		v = v<<5 | uint64(idx)
	}
	// the integer's top bit is always zero
	if v>>63 != 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTID, s)
	}
	return TID(v), nil
}

// NewTID builds a TID for t with the given clock identifier.
func NewTID(t time.Time, clockID uint) TID {
	micros := uint64(t.UnixMicro()) & (1<<53 - 1)
	return TID(micros<<10 | uint64(clockID&0x3ff))
}

// Micros returns the embedded timestamp in microseconds.
func (t TID) Micros() int64 {
	return int64(uint64(t) >> 10)
}

// Time returns the embedded timestamp.
func (t TID) Time() time.Time {
	return time.UnixMicro(t.Micros()).UTC()
}

// String encodes the TID.
func (t TID) String() string {
	var b [tidLength]byte
	v := uint64(t)
	for i := tidLength - 1; i >= 0; i-- {
		b[i] = tidAlphabet[v&0x1f]
		v >>= 5
	}
	return string(b[:])
}

// TimestampFromCursor returns the microsecond timestamp carried by a TID
// pagination cursor. ok is false for empty or non-TID cursors.
func TimestampFromCursor(cursor string) (int64, bool) {
	if cursor == "" {
		return 0, false
	}
	tid, err := ParseTID(cursor)
	if err != nil {
		return 0, false
	}
	return tid.Micros(), true
}

// RecordTime resolves the activity time of a record: the rkey timestamp when
// the key is a TID, otherwise createdAt. ok is false when neither parses.
func RecordTime(rkey, createdAt string) (time.Time, bool) {
	if tid, err := ParseTID(rkey); err == nil {
		return tid.Time(), true
	}
	if t, err := ParseDatetime(createdAt); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// ParseDatetime parses the RFC 3339 datetimes records carry.
func ParseDatetime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse datetime %q: %w", s, err)
	}
	return t, nil
}
