// Package cursor encodes event ordering keys as opaque, versioned tokens.
//
// The ordering key is a composite of the ledger sequence and the commit time
// so that tokens stay monotonic under commit order even across replicas with
// skewed clocks: the sequence alone decides ordering, the commit time rides
// along for diagnostics and future key-format evolution.
package cursor

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"

	"github.com/talos-labs/talos-gateway/internal/domain"
)

// Key is the internal ordering key behind a cursor token. Sequence is strictly
// increasing under commit order; CommitUnix is the commit wall-clock second.
type Key struct {
	Sequence   uint64
	CommitUnix int64
}

// Less orders keys by sequence only. Commit time never participates: clock
// skew must not reorder committed events.
func (k Key) Less(other Key) bool { return k.Sequence < other.Sequence }

const (
	formatVersion = 0x01

	// version(1) + sequence(8) + commit(8) + checksum(4)
	rawLen = 21
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Encode derives the opaque token for a key. Tokens for increasing sequences
// compare unequal and decode back to their exact key; callers must treat them
// as opaque strings.
func Encode(key Key) string {
	var raw [rawLen]byte
	raw[0] = formatVersion
	binary.BigEndian.PutUint64(raw[1:9], key.Sequence)
	binary.BigEndian.PutUint64(raw[9:17], uint64(key.CommitUnix))
	sum := checksum(raw[:17])
	copy(raw[17:], sum[:])
	return encoding.EncodeToString(raw[:])
}

// Decode parses a token back into its ordering key. Malformed, truncated,
// corrupted, or future-versioned tokens fail with InvalidCursor; the error is
// a per-request rejection, never fatal to the caller.
func Decode(token string) (Key, error) {
	if token == "" {
		return Key{}, domain.ErrInvalidCursor
	}
	raw, err := encoding.DecodeString(token)
	if err != nil || len(raw) != rawLen {
		return Key{}, domain.ErrInvalidCursor
	}
	if raw[0] != formatVersion {
		return Key{}, domain.ErrInvalidCursor
	}
	sum := checksum(raw[:17])
	for i := 0; i < 4; i++ {
		if raw[17+i] != sum[i] {
			return Key{}, domain.ErrInvalidCursor
		}
	}
	key := Key{
		Sequence:   binary.BigEndian.Uint64(raw[1:9]),
		CommitUnix: int64(binary.BigEndian.Uint64(raw[9:17])),
	}
	if key.CommitUnix < 0 {
		return Key{}, domain.ErrInvalidCursor
	}
	return key, nil
}

// Genesis returns the token for the position before the first event.
// Sequence zero never identifies a committed event; a bound at genesis
// excludes everything that commits later.
func Genesis(commitUnix int64) string {
	return Encode(Key{Sequence: 0, CommitUnix: commitUnix})
}

// SequenceOf is a convenience for callers that only need the ordering
// position, e.g. the query path translating after_cursor into a bound.
func SequenceOf(token string) (uint64, error) {
	key, err := Decode(token)
	if err != nil {
		return 0, err
	}
	return key.Sequence, nil
}

func checksum(data []byte) [4]byte {
	sum := sha256.Sum256(data)
	var out [4]byte
	copy(out[:], sum[:4])
	return out
}
