// Package batch groups queued records into bounded, ordered batches.
package batch

import (
	"time"

	"github.com/szibis/logship/internal/record"
)

// CloseReason tells why a batch was closed.
type CloseReason string

const (
	// ReasonBytes: the next record would have exceeded MaxBytes.
	ReasonBytes CloseReason = "bytes"
	// ReasonCount: MaxRecords reached.
	ReasonCount CloseReason = "count"
	// ReasonHold: MaxHold elapsed since the first record.
	ReasonHold CloseReason = "hold"
	// ReasonOversized: a single record larger than MaxBytes, sent alone.
	ReasonOversized CloseReason = "oversized"
	// ReasonFlush: closed by shutdown.
	ReasonFlush CloseReason = "flush"
)

// Batch is an ordered group of records sent as one request. It is mutated
// only by the Assembler while open and is read-only once closed.
type Batch struct {
	// Sequence increases by one per batch within a stream, starting at 1.
	Sequence uint64
	Records  []record.Record
	// Bytes is the accounted size of Records.
	Bytes   int
	Created time.Time
	Reason  CloseReason
}

// Len returns the number of records.
func (b *Batch) Len() int {
	return len(b.Records)
}

func (b *Batch) add(r record.Record, size int) {
	b.Records = append(b.Records, r)
	b.Bytes += size
}
