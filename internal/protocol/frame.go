// Package protocol implements the relay hub wire protocol: length-prefixed
// UTF-8 text frames carrying JSON messages.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

const (
	// HeaderSize is the size of the frame length prefix in bytes.
	HeaderSize = 2

	// MaxFrameSize is the largest payload a 2-byte length prefix can describe.
	MaxFrameSize = 65535
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds the maximum size
	ErrFrameTooLarge = errors.New("frame payload exceeds maximum size")

	// ErrInvalidFrame is returned when a frame is malformed
	ErrInvalidFrame = errors.New("invalid frame")
)

// Frame layout:
//
//	Length  [2 bytes] - Payload length (big-endian)
//	Payload [N bytes] - UTF-8 text

// Encode serializes a text message into a single frame.
func Encode(msg string) ([]byte, error) {
	if len(msg) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if !utf8.ValidString(msg) {
		return nil, fmt.Errorf("%w: payload is not valid UTF-8", ErrInvalidFrame)
	}

	buf := make([]byte, HeaderSize+len(msg))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(msg)))
	copy(buf[HeaderSize:], msg)

	return buf, nil
}

// Decode deserializes one complete frame from buf and returns the message
// and the number of bytes consumed.
func Decode(buf []byte, maxSize int) (string, int, error) {
	if len(buf) < HeaderSize {
		return "", 0, fmt.Errorf("%w: header too short", ErrInvalidFrame)
	}

	length := int(binary.BigEndian.Uint16(buf[0:2]))
	if length > limit(maxSize) {
		return "", 0, ErrFrameTooLarge
	}
	if len(buf) < HeaderSize+length {
		return "", 0, fmt.Errorf("%w: buffer too short for payload", ErrInvalidFrame)
	}

	payload := buf[HeaderSize : HeaderSize+length]
	if !utf8.Valid(payload) {
		return "", 0, fmt.Errorf("%w: payload is not valid UTF-8", ErrInvalidFrame)
	}

	return string(payload), HeaderSize + length, nil
}

func limit(maxSize int) int {
	if maxSize <= 0 || maxSize > MaxFrameSize {
		return MaxFrameSize
	}
	return maxSize
}

// FrameReader reads frames from an io.Reader. It buffers until a whole
// frame is available and returns exactly one message per Read.
type FrameReader struct {
	r       io.Reader
	maxSize int
	header  [HeaderSize]byte
}

// NewFrameReader creates a new FrameReader. A maxSize of zero or above
// MaxFrameSize means MaxFrameSize.
func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	return &FrameReader{r: r, maxSize: limit(maxSize)}
}

// Read reads the next frame. A frame whose declared length exceeds the
// limit is rejected before any of its payload is consumed.
func (fr *FrameReader) Read() (string, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return "", err
	}

	length := int(binary.BigEndian.Uint16(fr.header[:]))
	if length > fr.maxSize {
		return "", fmt.Errorf("%w: declared %d bytes, limit %d", ErrFrameTooLarge, length, fr.maxSize)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return "", err
		}
	}

	if !utf8.Valid(payload) {
		return "", fmt.Errorf("%w: payload is not valid UTF-8", ErrInvalidFrame)
	}

	return string(payload), nil
}

// FrameWriter writes frames to an io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a new FrameWriter.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write writes one message as a single frame.
func (fw *FrameWriter) Write(msg string) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = fw.w.Write(data)
	return err
}
