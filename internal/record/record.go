// Package record defines the unit of data accepted from upstream collectors.
package record

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Overhead is the fixed per-record cost added to Size to account for
// slice headers, the timestamp and map bookkeeping.
const Overhead = 16

var (
	// ErrEmptyOrigin is returned by Validate for records without an origin.
	ErrEmptyOrigin = errors.New("record: origin is empty")
	// ErrNegativeTimestamp is returned by Validate for timestamps before the epoch.
	ErrNegativeTimestamp = errors.New("record: timestamp is negative")
	// ErrInvalidUTF8 is returned by Validate for an origin or tag that is not
	// valid UTF-8. Payloads are checked by the text formats only.
	ErrInvalidUTF8 = errors.New("record: text is not valid UTF-8")
)

// Record is one already-parsed log event. It must not be mutated after it
// has been handed to the ingress queue.
type Record struct {
	// Payload is the raw event body.
	Payload []byte
	// Origin identifies the source, e.g. a file path or a unit name.
	Origin string
	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64
	// Tags carries optional structured fields.
	Tags map[string]string
}

// New builds a record stamped with t.
func New(origin string, payload []byte, t time.Time, tags map[string]string) Record {
	return Record{
		Payload:   payload,
		Origin:    origin,
		Timestamp: t.UnixMilli(),
		Tags:      tags,
	}
}

// Size returns the accounted size of the record in bytes. Every byte bound
// in the pipeline (queue capacity, batch size) is expressed in this unit.
func (r Record) Size() int {
	n := len(r.Payload) + len(r.Origin) + Overhead
	for k, v := range r.Tags {
		n += len(k) + len(v)
	}
	return n
}

// Time returns the record timestamp as a time.Time.
func (r Record) Time() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// Validate checks the required fields. Origin and tags must be valid UTF-8
// in every wire format.
func (r Record) Validate() error {
	if r.Origin == "" {
		return ErrEmptyOrigin
	}
	if !utf8.ValidString(r.Origin) {
		return fmt.Errorf("%w: origin %q", ErrInvalidUTF8, r.Origin)
	}
	if r.Timestamp < 0 {
		return fmt.Errorf("%w: %d", ErrNegativeTimestamp, r.Timestamp)
	}
	var bad string
	found := false
	for k, v := range r.Tags {
		if utf8.ValidString(k) && utf8.ValidString(v) {
			continue
		}
		// Report the smallest offending key so the error is deterministic.
		if !found || k < bad {
			bad, found = k, true
		}
	}
	if found {
		return fmt.Errorf("%w: tag %q", ErrInvalidUTF8, bad)
	}
	return nil
}

// TotalSize sums Size over records.
func TotalSize(records []Record) int {
	total := 0
	for _, r := range records {
		total += r.Size()
	}
	return total
}
