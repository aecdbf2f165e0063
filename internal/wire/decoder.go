package wire

import (
	"encoding/binary"

	"github.com/roach88/scenesync/internal/crdt"
)

// Decoder walks a batch one record at a time. It is forward-only and cannot be
// rewound; decode the bytes again to re-read them.
//
//	dec := wire.NewDecoder(batch)
//	for dec.Next() {
//	    apply(dec.Record())
//	}
//	if err := dec.Err(); err != nil {
//	    ...
//	}
type Decoder struct {
	data    []byte
	offset  int
	decoded int
	current crdt.Record
	err     error
}

// NewDecoder returns a decoder over data. The decoder does not copy data;
// decoded payloads are copied out.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// Next advances to the next record. It returns false at the end of the input
// or on the first malformed record.
func (d *Decoder) Next() bool {
	if d.err != nil || d.offset >= len(d.data) {
		return false
	}
	rec, n, err := decodeRecord(d.data[d.offset:])
	if err != nil {
		d.err = &MalformedBatchError{Offset: d.offset, Decoded: d.decoded, Err: err}
		d.current = crdt.Record{}
		return false
	}
	d.current = rec
	d.offset += n
	d.decoded++
	return true
}

// Record returns the record produced by the last successful Next.
func (d *Decoder) Record() crdt.Record {
	return d.current
}

// Err returns the decode error, if any. Reaching the end of input is not an
// error.
func (d *Decoder) Err() error {
	return d.err
}

// Decoded returns how many records have been produced.
func (d *Decoder) Decoded() int {
	return d.decoded
}

func decodeRecord(buf []byte) (crdt.Record, int, error) {
	if len(buf) < lengthPrefixLen {
		return crdt.Record{}, 0, ErrTruncated
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	if length < RecordHeaderLen {
		return crdt.Record{}, 0, ErrInvalidLength
	}
	if uint64(length) > uint64(len(buf)-lengthPrefixLen) {
		return crdt.Record{}, 0, ErrInvalidLength
	}
	body := buf[lengthPrefixLen : lengthPrefixLen+int(length)]
	payloadLen := binary.BigEndian.Uint32(body[12:16])
	if uint64(payloadLen) != uint64(length)-RecordHeaderLen {
		return crdt.Record{}, 0, ErrInvalidLength
	}
	rec := crdt.Record{
		Timestamp:    binary.BigEndian.Uint32(body[0:4]),
		PrimaryKey:   binary.BigEndian.Uint32(body[4:8]),
		SecondaryKey: binary.BigEndian.Uint32(body[8:12]),
	}
	if payloadLen > 0 {
		rec.Payload = make([]byte, payloadLen)
		copy(rec.Payload, body[RecordHeaderLen:])
	}
	return rec, lengthPrefixLen + int(length), nil
}
