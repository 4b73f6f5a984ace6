package encoding

import (
	"encoding/hex"
	"strconv"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// IdempotencyKey returns a UUIDv5 derived from the stream id and batch
// sequence. Every attempt of a batch carries the same key.
func IdempotencyKey(streamID string, sequence uint64) string {
	name := "logship://" + streamID + "/" + strconv.FormatUint(sequence, 10)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// Digest returns the hex BLAKE3-256 digest of body.
func Digest(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}
