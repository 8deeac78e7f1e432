package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame wire format: [2 bytes LE: total length including header][1 byte
// message id][payload]. Maximum payload is 65532 bytes.

const (
	frameHeaderLen = 2
	maxFrameLen    = 65535
)

// ReadFrame reads one frame from r and returns it as [msgID, payload...].
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	totalLen := int(binary.LittleEndian.Uint16(header[:]))
	bodyLen := totalLen - frameHeaderLen
	if bodyLen <= 0 {
		return nil, fmt.Errorf("invalid frame length: %d", totalLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body (%d bytes): %w", bodyLen, err)
	}
	return body, nil
}

// WriteFrame writes one frame to w. data is [msgID, payload...].
func WriteFrame(w io.Writer, data []byte) error {
	totalLen := len(data) + frameHeaderLen
	if totalLen > maxFrameLen {
		return fmt.Errorf("frame too large: %d bytes", len(data))
	}
	var header [frameHeaderLen]byte
	binary.LittleEndian.PutUint16(header[:], uint16(totalLen))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// buildFrame prepends the message id to the payload.
func buildFrame(msgID byte, payload []byte) []byte {
	frame := make([]byte, 1+len(payload))
	frame[0] = msgID
	copy(frame[1:], payload)
	return frame
}
