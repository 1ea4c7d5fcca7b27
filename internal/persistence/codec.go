package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EncodeValue serializes v as JSON. A nil value encodes to nil.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return data, nil
}

// DecodeValue deserializes JSON into T. Numbers inside untyped values are
// kept as json.Number so integers beyond 2^53 survive the round trip.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return v, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

// roundTrip deep-copies v through the codec so in-memory rows behave like
// rows read back from a database.
func roundTrip[T any](v T) (T, error) {
	data, err := EncodeValue(v)
	if err != nil {
		var zero T
		return zero, err
	}
	return DecodeValue[T](data)
}

func encodeString(v any) (string, error) {
	data, err := EncodeValue(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
