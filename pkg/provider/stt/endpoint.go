package stt

import "context"

// Endpoint describes a streaming transcription service: where to connect,
// how to authenticate the handshake and how to decode its messages.
type Endpoint struct {
	// URL is the WebSocket address including any query parameters.
	URL string

	// Codec decodes inbound messages.
	Codec Codec

	// Authorization returns the value of the handshake's Authorization
	// header. Nil sends no header.
	Authorization func(ctx context.Context) (string, error)
}
