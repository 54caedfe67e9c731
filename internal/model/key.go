package model

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar-date format used everywhere a date travels as a
// string: record keys, the evidence date field, and the HTTP surface.
const DateLayout = "2006-01-02"

// EvidenceKey identifies one evidence record: a worker plus a calendar date.
// The canonical string form joins both with an underscore and is what the
// store uses as the record's primary key. Keeping this a value type instead of
// ad hoc concatenation means the separator handling lives in exactly one place.
type EvidenceKey struct {
	WorkerID string
	Date     string
}

// NewEvidenceKey builds a key after checking the date is a real calendar date
// in the canonical layout.
func NewEvidenceKey(workerID, date string) (EvidenceKey, error) {
	if workerID == "" {
		return EvidenceKey{}, fmt.Errorf("evidence key: empty worker id")
	}
	if _, err := time.Parse(DateLayout, date); err != nil {
		return EvidenceKey{}, fmt.Errorf("evidence key: bad date %q: %w", date, err)
	}
	return EvidenceKey{WorkerID: workerID, Date: date}, nil
}

// String returns the canonical workerID_date form.
func (k EvidenceKey) String() string {
	return k.WorkerID + "_" + k.Date
}

// ParseEvidenceKey is the inverse of String. The worker id may itself contain
// underscores, so the split happens at the last one; the date layout is fixed
// and never contains the separator.
func ParseEvidenceKey(s string) (EvidenceKey, error) {
	i := strings.LastIndex(s, "_")
	if i <= 0 || i == len(s)-1 {
		return EvidenceKey{}, fmt.Errorf("evidence key: malformed %q", s)
	}
	return NewEvidenceKey(s[:i], s[i+1:])
}

// Day returns the key's date as a time at midnight UTC.
func (k EvidenceKey) Day() time.Time {
	t, _ := time.Parse(DateLayout, k.Date)
	return t
}
