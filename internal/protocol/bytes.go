package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Bytes carries binary CRDT payloads inside JSON frames.
// Learning: browsers serialize a Uint8Array through JSON.stringify as an
// object of indices ({"0":12,"1":7}), while Array.from(u8) gives a plain
// array. We always emit the array form and accept both on input.
type Bytes []byte

// MarshalJSON writes the bytes as an array of integers
func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}

	var buf bytes.Buffer
	buf.Grow(len(b)*4 + 2)
	buf.WriteByte('[')
	for i, v := range b {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Itoa(int(v)))
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts an integer array or an object keyed by index
func (b *Bytes) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*b = nil
		return nil
	}

	switch data[0] {
	case '[':
		var values []int
		if err := json.Unmarshal(data, &values); err != nil {
			return fmt.Errorf("byte array: %w", err)
		}
		out := make([]byte, len(values))
		for i, v := range values {
			if v < 0 || v > 255 {
				return fmt.Errorf("byte array: value %d at index %d out of range", v, i)
			}
			out[i] = byte(v)
		}
		*b = out
		return nil

	case '{':
		var indexed map[string]int
		if err := json.Unmarshal(data, &indexed); err != nil {
			return fmt.Errorf("byte object: %w", err)
		}
		out := make([]byte, len(indexed))
		for key, v := range indexed {
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(out) {
				return fmt.Errorf("byte object: bad index %q", key)
			}
			if v < 0 || v > 255 {
				return fmt.Errorf("byte object: value %d at index %d out of range", v, i)
			}
			out[i] = byte(v)
		}
		*b = out
		return nil

	default:
		return fmt.Errorf("bytes must be an array or an object of indices")
	}
}
