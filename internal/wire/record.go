package wire

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/roach88/scenesync/internal/crdt"
)

// RecordHeaderLen is the size of the fixed fields after the length prefix:
// timestamp, primary key, secondary key, payload length.
const RecordHeaderLen = 16

const lengthPrefixLen = 4

var (
	ErrTruncated       = errors.New("wire: truncated data")
	ErrInvalidLength   = errors.New("wire: invalid length")
	ErrPayloadTooLarge = errors.New("wire: payload too large")
)

// MalformedBatchError reports where a batch stopped decoding. Records decoded
// before Offset were valid and may already have been applied.
type MalformedBatchError struct {
	Offset  int
	Decoded int
	Err     error
}

func (e *MalformedBatchError) Error() string {
	return fmt.Sprintf("wire: malformed batch at offset %d after %d records: %v", e.Offset, e.Decoded, e.Err)
}

func (e *MalformedBatchError) Unwrap() error {
	return e.Err
}

// EncodedLen returns the number of bytes r occupies on the wire.
func EncodedLen(r crdt.Record) int {
	return lengthPrefixLen + RecordHeaderLen + len(r.Payload)
}

// AppendRecord appends the encoding of r to dst.
func AppendRecord(dst []byte, r crdt.Record) ([]byte, error) {
	if uint64(len(r.Payload)) > math.MaxUint32-RecordHeaderLen {
		return dst, ErrPayloadTooLarge
	}
	var head [lengthPrefixLen + RecordHeaderLen]byte
	binary.BigEndian.PutUint32(head[0:4], uint32(RecordHeaderLen+len(r.Payload)))
	binary.BigEndian.PutUint32(head[4:8], r.Timestamp)
	binary.BigEndian.PutUint32(head[8:12], r.PrimaryKey)
	binary.BigEndian.PutUint32(head[12:16], r.SecondaryKey)
	binary.BigEndian.PutUint32(head[16:20], uint32(len(r.Payload)))
	dst = append(dst, head[:]...)
	return append(dst, r.Payload...), nil
}

// WriteRecord writes the encoding of r to w.
func WriteRecord(w io.Writer, r crdt.Record) error {
	buf, err := AppendRecord(make([]byte, 0, EncodedLen(r)), r)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// EncodeBatch concatenates the encodings of records. An empty input yields an
// empty, non-nil batch.
func EncodeBatch(records []crdt.Record) ([]byte, error) {
	size := 0
	for _, r := range records {
		size += EncodedLen(r)
	}
	out := make([]byte, 0, size)
	for _, r := range records {
		var err error
		out, err = AppendRecord(out, r)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DecodeBatch decodes every record of a batch. On a malformed batch it returns
// the records decoded so far together with a *MalformedBatchError.
func DecodeBatch(data []byte) ([]crdt.Record, error) {
	dec := NewDecoder(data)
	var out []crdt.Record
	for dec.Next() {
		out = append(out, dec.Record())
	}
	return out, dec.Err()
}

// Digest is a hex SHA-256 over the batch encoding of records. Callers pass a
// snapshot in key order so equal states produce equal digests.
func Digest(records []crdt.Record) (string, error) {
	batch, err := EncodeBatch(records)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(batch)
	return hex.EncodeToString(sum[:]), nil
}
