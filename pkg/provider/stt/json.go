package stt

import (
	"bytes"
	"encoding/json"
)

// TypeTranscription is the message type carrying recognition results.
const TypeTranscription = "transcription"

// Compile-time interface assertion.
var _ Codec = JSONCodec{}

// JSONCodec decodes the tutor service's transcription messages. Both the flat
// form
//
//	{"type":"transcription","text":"…","is_final":true,"speech_final":false}
//
// and the enveloped form {"type":"transcription","payload":{…}} are accepted.
type JSONCodec struct{}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	transcriptionFields
}

type transcriptionFields struct {
	Text        *string  `json:"text"`
	IsFinal     bool     `json:"is_final"`
	SpeechFinal bool     `json:"speech_final"`
	Confidence  *float64 `json:"confidence"`
}

// Decode implements [Codec].
func (JSONCodec) Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ParseError{Reason: "invalid json", Err: err}
	}
	if env.Type == "" {
		return nil, &ParseError{Reason: "missing type"}
	}
	if env.Type != TypeTranscription {
		return Unknown{Type: env.Type}, nil
	}

	fields := env.transcriptionFields
	if p := bytes.TrimSpace(env.Payload); len(p) > 0 && !bytes.Equal(p, []byte("null")) {
		fields = transcriptionFields{}
		if err := json.Unmarshal(p, &fields); err != nil {
			return nil, &ParseError{Reason: "invalid transcription payload", Err: err}
		}
	}
	if fields.Text == nil {
		return nil, &ParseError{Reason: "transcription without text"}
	}

	t := Transcription{
		Text:          *fields.Text,
		IsFinal:       fields.IsFinal,
		IsSpeechFinal: fields.SpeechFinal,
	}
	if fields.Confidence != nil {
		t.Confidence = *fields.Confidence
	}
	return t, nil
}
