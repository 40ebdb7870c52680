package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Decode rejects trailing data after the first document, so a body like
// `{"id":"a"}{"id":"b"}` is malformed rather than silently truncated.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after JSON document")
	}
	return nil
}

func (c *JSONCodec) ContentType() string {
	return "application/json"
}
