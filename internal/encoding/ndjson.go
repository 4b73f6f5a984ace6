package encoding

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"

	"github.com/szibis/logship/internal/record"
)

// ndjsonLine fields are declared in key order so output keys are sorted.
// encoding/json sorts map keys, which covers Tags.
type ndjsonLine struct {
	Origin  string            `json:"origin"`
	Payload string            `json:"payload"`
	Tags    map[string]string `json:"tags,omitempty"`
	TS      int64             `json:"ts"`
}

func marshalNDJSON(records []record.Record) ([]byte, int, error) {
	var buf bytes.Buffer
	buf.Grow(record.TotalSize(records) + 48*len(records))

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, r := range records {
		if !utf8.Valid(r.Payload) {
			return nil, i, ErrInvalidUTF8
		}
		// Encode appends the newline.
		if err := enc.Encode(ndjsonLine{
			Origin:  r.Origin,
			Payload: string(r.Payload),
			Tags:    r.Tags,
			TS:      r.Timestamp,
		}); err != nil {
			return nil, i, err
		}
	}
	return buf.Bytes(), -1, nil
}
