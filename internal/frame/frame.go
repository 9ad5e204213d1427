// Package frame decodes inbound stream payloads and hands them to sinks.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"image/jpeg"
	"time"
)

var ErrEmptyPayload = errors.New("empty frame payload")

// Frame is one decoded image from a stream. Data holds the original
// encoded bytes.
type Frame struct {
	Seq        uint64
	Data       []byte
	Width      int
	Height     int
	ReceivedAt time.Time
}

// Decoder turns a raw message into a Frame.
type Decoder interface {
	Decode(data []byte) (*Frame, error)
}

// JPEGDecoder fully decodes each payload so truncated or corrupt images
// are rejected rather than forwarded.
type JPEGDecoder struct{}

func (JPEGDecoder) Decode(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding jpeg: %w", err)
	}
	b := img.Bounds()
	return &Frame{
		Data:       data,
		Width:      b.Dx(),
		Height:     b.Dy(),
		ReceivedAt: time.Now(),
	}, nil
}
