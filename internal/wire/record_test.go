package wire

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenesync/internal/crdt"
)

func TestAppendRecord_Layout(t *testing.T) {
	r := crdt.Record{PrimaryKey: 0x01020304, SecondaryKey: 7, Timestamp: 2, Payload: []byte{0xAA, 0xBB}}

	got, err := AppendRecord(nil, r)
	require.NoError(t, err)

	want, _ := hex.DecodeString(
		"00000012" + // length = 16 + 2
			"00000002" + // timestamp
			"01020304" + // primary key
			"00000007" + // secondary key
			"00000002" + // payload length
			"aabb")
	assert.Equal(t, want, got)
	assert.Equal(t, len(want), EncodedLen(r))
}

func TestAppendRecord_Deletion(t *testing.T) {
	got, err := AppendRecord(nil, crdt.Record{PrimaryKey: 1, SecondaryKey: 1, Timestamp: 3})
	require.NoError(t, err)
	assert.Len(t, got, 20)
	assert.Equal(t, []byte{0, 0, 0, 16}, got[:4])
	assert.Equal(t, []byte{0, 0, 0, 0}, got[16:20])
}

func TestEncodeBatch_Empty(t *testing.T) {
	got, err := EncodeBatch(nil)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	records, err := DecodeBatch(got)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestEncodeBatch_RoundTrip(t *testing.T) {
	in := []crdt.Record{
		{PrimaryKey: 1, SecondaryKey: 1, Timestamp: 1, Payload: []byte("one")},
		{PrimaryKey: 1, SecondaryKey: 2, Timestamp: 9},
		{PrimaryKey: 4294967295, SecondaryKey: 0, Timestamp: 4294967295, Payload: bytes.Repeat([]byte{0x5A}, 300)},
	}

	batch, err := EncodeBatch(in)
	require.NoError(t, err)

	out, err := DecodeBatch(batch)
	require.NoError(t, err)
	require.Len(t, out, len(in))
	for i := range in {
		assert.True(t, in[i].Equal(out[i]), "record %d: %v != %v", i, in[i], out[i])
	}

	again, err := EncodeBatch(out)
	require.NoError(t, err)
	assert.Equal(t, batch, again)
}

func TestEncodeBatch_IsConcatenation(t *testing.T) {
	a := crdt.Record{PrimaryKey: 1, SecondaryKey: 2, Timestamp: 3, Payload: []byte{1}}
	b := crdt.Record{PrimaryKey: 4, SecondaryKey: 5, Timestamp: 6}

	ea, err := AppendRecord(nil, a)
	require.NoError(t, err)
	eb, err := AppendRecord(nil, b)
	require.NoError(t, err)

	batch, err := EncodeBatch([]crdt.Record{a, b})
	require.NoError(t, err)
	assert.Equal(t, append(ea, eb...), batch)
}

func TestWriteRecord(t *testing.T) {
	r := crdt.Record{PrimaryKey: 2, SecondaryKey: 3, Timestamp: 4, Payload: []byte("x")}
	var buf bytes.Buffer
	require.NoError(t, WriteRecord(&buf, r))

	want, err := AppendRecord(nil, r)
	require.NoError(t, err)
	assert.Equal(t, want, buf.Bytes())
}

func TestDecodeBatch_Malformed(t *testing.T) {
	good, err := AppendRecord(nil, crdt.Record{PrimaryKey: 1, SecondaryKey: 1, Timestamp: 1, Payload: []byte("ok")})
	require.NoError(t, err)

	tests := []struct {
		name string
		tail []byte
		want error
	}{
		{
			name: "truncated length prefix",
			tail: []byte{0x00, 0x00},
			want: ErrTruncated,
		},
		{
			name: "length below header size",
			tail: []byte{0, 0, 0, 8, 0, 0, 0, 1, 0, 0, 0, 1},
			want: ErrInvalidLength,
		},
		{
			name: "length beyond input",
			tail: []byte{0, 0, 0, 40, 0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 0},
			want: ErrInvalidLength,
		},
		{
			name: "payload length disagrees with record length",
			tail: []byte{0, 0, 0, 16, 0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 3},
			want: ErrInvalidLength,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := append(append([]byte{}, good...), tt.tail...)

			out, err := DecodeBatch(data)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var mal *MalformedBatchError
			require.ErrorAs(t, err, &mal)
			assert.Equal(t, len(good), mal.Offset)
			assert.Equal(t, 1, mal.Decoded)

			require.Len(t, out, 1)
			assert.Equal(t, []byte("ok"), out[0].Payload)
		})
	}
}

func TestDigest(t *testing.T) {
	a := []crdt.Record{{PrimaryKey: 1, SecondaryKey: 1, Timestamp: 1, Payload: []byte("a")}}
	b := []crdt.Record{{PrimaryKey: 1, SecondaryKey: 1, Timestamp: 2, Payload: []byte("a")}}

	da, err := Digest(a)
	require.NoError(t, err)
	da2, err := Digest(a)
	require.NoError(t, err)
	db, err := Digest(b)
	require.NoError(t, err)

	assert.Len(t, da, 64)
	assert.Equal(t, da, da2)
	assert.NotEqual(t, da, db)
}
