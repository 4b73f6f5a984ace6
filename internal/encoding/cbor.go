package encoding

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/szibis/logship/internal/record"
)

// cborEncMode uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer encoding, no indefinite-length items.
var cborEncMode cbor.EncMode

func init() {
	var err error
	cborEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("encoding: CBOR encoder initialization failed: " + err.Error())
	}
}

type cborRecord struct {
	TS      int64             `cbor:"ts"`
	Origin  string            `cbor:"origin"`
	Tags    map[string]string `cbor:"tags,omitempty"`
	Payload []byte            `cbor:"payload"`
}

func marshalCBOR(records []record.Record) ([]byte, int, error) {
	out := make([]cborRecord, len(records))
	for i, r := range records {
		out[i] = cborRecord{
			TS:      r.Timestamp,
			Origin:  r.Origin,
			Tags:    r.Tags,
			Payload: r.Payload,
		}
	}
	body, err := cborEncMode.Marshal(out)
	if err != nil {
		return nil, -1, err
	}
	return body, -1, nil
}
