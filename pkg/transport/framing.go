package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/granary-io/granary/pkg/types"
)

const (
	// framePrefixSize covers the header and body length fields.
	framePrefixSize = 8
	// framePayloadHint sizes the prefix writer's shared buffer; most
	// messages fit and cost a single buffer and a single sink write.
	framePayloadHint = 4 * 1024
	// maxFrameSize bounds either frame part on read.
	maxFrameSize = 64 << 20
)

// WriteMessage frames one message onto w:
// [4-byte header length][4-byte body length][header][body].
func WriteMessage(w io.Writer, msg *types.Message) error {
	header := *msg
	header.Body = nil
	hdr, err := json.Marshal(&header)
	if err != nil {
		return fmt.Errorf("failed to encode message header: %w", err)
	}

	pw := NewPrefixWriter(w, framePrefixSize, framePayloadHint)
	pw.Write(hdr)
	pw.Write(msg.Body)

	var prefix [framePrefixSize]byte
	binary.BigEndian.PutUint32(prefix[0:4], uint32(len(hdr)))
	binary.BigEndian.PutUint32(prefix[4:8], uint32(len(msg.Body)))
	return pw.Complete(prefix[:])
}

// ReadMessage reads one framed message from r.
func ReadMessage(r io.Reader) (*types.Message, error) {
	var prefix [framePrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	hdrLen := binary.BigEndian.Uint32(prefix[0:4])
	bodyLen := binary.BigEndian.Uint32(prefix[4:8])
	if hdrLen > maxFrameSize || bodyLen > maxFrameSize {
		return nil, fmt.Errorf("frame of %d+%d bytes exceeds limit", hdrLen, bodyLen)
	}

	hdr := make([]byte, hdrLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("failed to read message header: %w", err)
	}
	var msg types.Message
	if err := json.Unmarshal(hdr, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message header: %w", err)
	}
	if bodyLen > 0 {
		msg.Body = make([]byte, bodyLen)
		if _, err := io.ReadFull(r, msg.Body); err != nil {
			return nil, fmt.Errorf("failed to read message body: %w", err)
		}
	}
	return &msg, nil
}
