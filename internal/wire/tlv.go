package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const TLVHeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrMissingField     = errors.New("tlv: missing field")
)

// TLV value types.
const (
	TypeU32    uint8 = 3
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
)

// Field ids used by the RPC bodies.
const (
	FieldSceneID uint16 = 1
	FieldPayload uint16 = 2

	FieldAckApplied uint16 = 10
	FieldAckStale   uint16 = 11
	FieldAckSkipped uint16 = 12
	FieldAckDropped uint16 = 13

	FieldError uint16 = 20
)

// Field is one TLV entry.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func StringField(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

func BytesField(id uint16, v []byte) Field {
	return Field{ID: id, Type: TypeBytes, Value: v}
}

func U32Field(id uint16, v uint32) Field {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return Field{ID: id, Type: TypeU32, Value: buf}
}

func EncodeFields(fields []Field) []byte {
	size := 0
	for _, f := range fields {
		size += TLVHeaderLen + len(f.Value)
	}
	out := make([]byte, 0, size)
	for _, f := range fields {
		var head [TLVHeaderLen]byte
		binary.BigEndian.PutUint16(head[0:2], f.ID)
		head[2] = f.Type
		binary.BigEndian.PutUint32(head[3:7], uint32(len(f.Value)))
		out = append(out, head[:]...)
		out = append(out, f.Value...)
	}
	return out
}

// DecodeFields parses a TLV body. Unknown field ids are preserved.
func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0, 4)
	i := 0
	for i < len(payload) {
		if len(payload)-i < TLVHeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typeID := payload[i+2]
		l := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += TLVHeaderLen
		if uint64(len(payload)-i) < uint64(l) {
			return nil, ErrShortFieldValue
		}
		val := make([]byte, l)
		copy(val, payload[i:i+int(l)])
		i += int(l)
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// GetString returns a required string field.
func GetString(fields []Field, id uint16) (string, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrMissingField, id)
	}
	if f.Type != TypeString {
		return "", fmt.Errorf("tlv: field %d type mismatch: got %d want %d", id, f.Type, TypeString)
	}
	return string(f.Value), nil
}

// GetBytes returns an optional bytes field; absent yields nil.
func GetBytes(fields []Field, id uint16) ([]byte, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return nil, nil
	}
	if f.Type != TypeBytes {
		return nil, fmt.Errorf("tlv: field %d type mismatch: got %d want %d", id, f.Type, TypeBytes)
	}
	return f.Value, nil
}

// GetU32 returns an optional u32 field; absent yields 0.
func GetU32(fields []Field, id uint16) (uint32, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return 0, nil
	}
	if f.Type != TypeU32 || len(f.Value) != 4 {
		return 0, fmt.Errorf("tlv: invalid u32 field %d", id)
	}
	return binary.BigEndian.Uint32(f.Value), nil
}
