// Package codec serializes RPC bodies.
//
// The controller speaks JSON on both channels, so JSONCodec is the only
// implementation; the interface keeps the client and server independent of
// the concrete encoding.
package codec

import (
	"fmt"
	"mime"
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	ContentType() string // e.g. "application/json"
}

// GetCodec returns the codec for a Content-Type header value.
// An empty value selects JSON.
func GetCodec(contentType string) (Codec, error) {
	if contentType == "" {
		return &JSONCodec{}, nil
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("codec: parse content type %q: %w", contentType, err)
	}

	switch mediaType {
	case "application/json", "application/json-rpc", "text/json":
		return &JSONCodec{}, nil
	default:
		return nil, fmt.Errorf("codec: unsupported content type %q", mediaType)
	}
}
