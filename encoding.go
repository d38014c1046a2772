package ppm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Bytes is an opaque byte string. It is written to JSON as an array of
// numbers, matching the configuration files and messages produced by other
// implementations, and accepts a base64 string on input as well.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	ints := make([]uint16, len(b))
	for i := range b {
		ints[i] = uint16(b[i])
	}
	return json.Marshal(ints)
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("invalid base64 byte string: %w", err)
		}
		*b = raw
		return nil
	}

	var ints []uint16
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v > 0xff {
			return fmt.Errorf("invalid byte value %d at index %d", v, i)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}
