package store

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/convergehq/converge/pkg/api"
)

func init() {
	gob.Register(api.Attribute{})
	gob.Register(api.FieldChange{})
	gob.Register(map[string]api.Attribute{})
	gob.Register([]api.FieldChange{})
	gob.Register([]any{})
	gob.Register(time.Time{})
}

// EncodeValue serializes arbitrary Go values using encoding/gob.
// Callers must ensure that values are gob-encodable and that their concrete
// types have been registered with gob.Register where needed.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	// Encode as interface{} so we can decode into interface{} later.
	var iv = v
	if err := enc.Encode(&iv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeAny deserializes gob data produced by EncodeValue back into an any.
func DecodeAny(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var iv any
	dec := gob.NewDecoder(bytes.NewBuffer(data))
	if err := dec.Decode(&iv); err != nil {
		return nil, err
	}
	return iv, nil
}

// EncodeConcrete serializes a value of a known concrete type.
func EncodeConcrete[T any](v T) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(&v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeConcrete deserializes data produced by EncodeConcrete.
func DecodeConcrete[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	dec := gob.NewDecoder(bytes.NewBuffer(data))
	if err := dec.Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}
