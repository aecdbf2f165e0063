package component

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// Codec decodes a record payload into a component value.
type Codec interface {
	Name() string
	Decode(payload []byte) (any, error)
}

const (
	CodecRaw  = "raw"
	CodecText = "text"
	CodecJSON = "json"
	CodecYAML = "yaml"
)

var ErrInvalidText = errors.New("component: payload is not valid UTF-8")

// CodecByName returns the built-in codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case CodecRaw:
		return RawCodec{}, nil
	case CodecText:
		return TextCodec{}, nil
	case CodecJSON:
		return JSONCodec{}, nil
	case CodecYAML:
		return YAMLCodec{}, nil
	default:
		return nil, fmt.Errorf("component: unknown codec %q", name)
	}
}

// RawCodec keeps the payload bytes as they are.
type RawCodec struct{}

func (RawCodec) Name() string { return CodecRaw }

func (RawCodec) Decode(payload []byte) (any, error) {
	return bytes.Clone(payload), nil
}

// TextCodec decodes a UTF-8 string.
type TextCodec struct{}

func (TextCodec) Name() string { return CodecText }

func (TextCodec) Decode(payload []byte) (any, error) {
	if !utf8.Valid(payload) {
		return nil, ErrInvalidText
	}
	return string(payload), nil
}

// JSONCodec decodes a JSON document. Numbers stay as json.Number so integer
// fields survive unchanged.
type JSONCodec struct{}

func (JSONCodec) Name() string { return CodecJSON }

func (JSONCodec) Decode(payload []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}

// YAMLCodec decodes a YAML document.
type YAMLCodec struct{}

func (YAMLCodec) Name() string { return CodecYAML }

func (YAMLCodec) Decode(payload []byte) (any, error) {
	var v any
	if err := yaml.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}
