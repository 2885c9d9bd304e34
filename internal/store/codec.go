package store

import (
	"bytes"
	"encoding/gob"
	"time"
)

func init() {
	// Durable sleeps store their wake time as a step result.
	gob.Register(time.Time{})
}

// EncodeValue serializes a value using encoding/gob. Event and step payload
// types must be registered with gob.Register (the bus package does this for
// all event variants in init).
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	// Encode through an interface value so payloads can be decoded back
	// into `any` without knowing the concrete type up front.
	iv := v
	if err := enc.Encode(&iv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue deserializes gob data produced by EncodeValue.
func DecodeValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := gob.NewDecoder(bytes.NewBuffer(data))
	var iv any
	if err := dec.Decode(&iv); err != nil {
		return nil, err
	}
	return iv, nil
}
