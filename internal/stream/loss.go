package stream

import (
	"github.com/szibis/logship/internal/logging"
)

// LossReason explains why records were lost.
type LossReason string

const (
	// LossFatal: the endpoint rejected the batch (4xx other than 429).
	LossFatal LossReason = "fatal"
	// LossAttemptsExhausted: every retry failed.
	LossAttemptsExhausted LossReason = "attempts_exhausted"
	// LossEncoding: a record could not be serialized.
	LossEncoding LossReason = "encoding"
	// LossShutdown: the batch was still pending when shutdown ended.
	LossShutdown LossReason = "shutdown"
)

// LossEvent reports records that will never be delivered. Sequence is 0 for
// records that were still queued and never assigned to a batch.
type LossEvent struct {
	Stream   string
	Sequence uint64
	Records  int
	Bytes    int
	Reason   LossReason
	Err      error
}

// LossHandler receives every loss event. Calls are serialized per stream.
type LossHandler interface {
	OnLoss(ev LossEvent)
}

// LossHandlerFunc adapts a function to LossHandler.
type LossHandlerFunc func(ev LossEvent)

// OnLoss calls f.
func (f LossHandlerFunc) OnLoss(ev LossEvent) {
	f(ev)
}

// LogLoss is the default handler: one error log line per event.
var LogLoss LossHandlerFunc = func(ev LossEvent) {
	fields := logging.F(
		"stream", ev.Stream,
		"sequence", ev.Sequence,
		"records", ev.Records,
		"bytes", ev.Bytes,
		"reason", string(ev.Reason),
	)
	if ev.Err != nil {
		fields["error"] = ev.Err.Error()
	}
	logging.Error("records lost", fields)
}
