// Package stt defines the inbound side of a streaming transcription session.
//
// A transcription service pushes JSON messages over the transport. A [Codec]
// turns each raw message into an [Event], a closed set of variants: a
// [Transcription] carries recognised text, anything else decodes to
// [Unknown] and is ignored by consumers. Malformed messages yield a
// [*ParseError] and never reach the transcript accumulator.
package stt

import (
	"fmt"
	"time"
)

// Event is a decoded inbound message. The set of implementations is closed.
type Event interface {
	isEvent()
}

// Transcription is a recognition result.
type Transcription struct {
	// Text is the recognised speech for this event.
	Text string

	// IsFinal marks the text as stable. Interim results may still change.
	IsFinal bool

	// IsSpeechFinal marks the end of an utterance as detected by the service.
	IsSpeechFinal bool

	// Confidence in [0, 1]; zero when the service does not report it.
	Confidence float64

	// ReceivedAt is stamped by the transport when the message arrives.
	ReceivedAt time.Time
}

// Unknown is any message type the client does not act on.
type Unknown struct {
	Type string
}

func (Transcription) isEvent() {}
func (Unknown) isEvent()       {}

// Codec decodes raw inbound messages.
type Codec interface {
	Decode(data []byte) (Event, error)
}

// Finisher is implemented by codecs whose service expects an explicit message
// before the client closes the connection.
type Finisher interface {
	FinishMessage() []byte
}

// KeepAliver is implemented by codecs whose service drops idle connections.
// The transport sends KeepAliveMessage when no audio was written for
// KeepAliveInterval.
type KeepAliver interface {
	KeepAliveMessage() []byte
	KeepAliveInterval() time.Duration
}

// KeywordBoost is a vocabulary hint for services that support recognition
// boosting.
type KeywordBoost struct {
	Keyword string
	Boost   float64
}

// ParseError reports an inbound message that could not be decoded.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stt: parse event: %s: %v", e.Reason, e.Err)
	}
	return "stt: parse event: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }
