package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrEmptyLine is returned by Unwrap for blank input.
var ErrEmptyLine = errors.New("empty line")

type recorderShape struct {
	Timestamp string          `json:"timestamp"`
	Direction string          `json:"direction"`
	Type      string          `json:"type"`
	Message   json.RawMessage `json:"message"`
}

// Unwrap decodes one line of any supported format into an Envelope.
//
// Recorder lines are recognised by a direction field and no top-level type;
// their inner message is decoded recursively and inherits the outer
// timestamp. Native and live lines share a shape and are told apart by their
// identifier casing.
func Unwrap(line []byte) (*Envelope, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, ErrEmptyLine
	}
	if line[0] != '{' {
		return nil, fmt.Errorf("line is not a JSON object")
	}

	var shape recorderShape
	if err := json.Unmarshal(line, &shape); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if shape.Type == "" && shape.Direction != "" && len(shape.Message) > 0 {
		inner, err := Unwrap(shape.Message)
		if err != nil {
			return nil, fmt.Errorf("decode recorder message: %w", err)
		}
		if inner.Timestamp == "" {
			inner.Timestamp = shape.Timestamp
		}
		inner.Format = FormatRecorder
		return inner, nil
	}

	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope has no type")
	}
	env.Format = FormatNative
	if env.SessionIDCamel == "" && env.SessionIDSnake != "" {
		env.Format = FormatLive
	}
	return &env, nil
}
