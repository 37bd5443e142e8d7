package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/granary-io/granary/pkg/types"
)

// ProtocolVersion is the network protocol version this build speaks.
// Both sides of a connection must agree.
const ProtocolVersion uint16 = 1

// preambleMagic opens every preamble packet ("GRNY").
const preambleMagic uint32 = 0x47524E59

// maxPreambleSize bounds the preamble body so a garbage peer cannot
// make us allocate arbitrarily.
const maxPreambleSize = 4 * 1024

// Preamble is the fixed identifying packet exchanged in each direction
// when a connection opens.
type Preamble struct {
	// NodeID is the silo address string for peers or the client id for
	// clients.
	NodeID string `json:"node_id"`
	// Silo is set for silo-to-silo connections only.
	Silo      types.SiloAddress `json:"silo,omitempty"`
	ClusterID string            `json:"cluster_id"`
}

// IsPeer reports whether the remote end is a silo.
func (p Preamble) IsPeer() bool { return !p.Silo.IsZero() }

// WritePreamble emits the preamble: magic, protocol version, body
// length, JSON body.
func WritePreamble(w io.Writer, p Preamble) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode preamble: %w", err)
	}
	var head [10]byte
	binary.BigEndian.PutUint32(head[0:4], preambleMagic)
	binary.BigEndian.PutUint16(head[4:6], ProtocolVersion)
	binary.BigEndian.PutUint32(head[6:10], uint32(len(body)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadPreamble reads and validates the remote preamble. A protocol
// version mismatch is fatal for the connection.
func ReadPreamble(r io.Reader) (Preamble, error) {
	var head [10]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Preamble{}, fmt.Errorf("failed to read preamble: %w", err)
	}
	if binary.BigEndian.Uint32(head[0:4]) != preambleMagic {
		return Preamble{}, fmt.Errorf("bad preamble magic: %w", types.ErrProtocolVersionMismatch)
	}
	if v := binary.BigEndian.Uint16(head[4:6]); v != ProtocolVersion {
		return Preamble{}, fmt.Errorf("peer speaks protocol %d, want %d: %w",
			v, ProtocolVersion, types.ErrProtocolVersionMismatch)
	}
	size := binary.BigEndian.Uint32(head[6:10])
	if size > maxPreambleSize {
		return Preamble{}, fmt.Errorf("preamble of %d bytes: %w", size, types.ErrProtocolVersionMismatch)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Preamble{}, fmt.Errorf("failed to read preamble body: %w", err)
	}
	var p Preamble
	if err := json.Unmarshal(body, &p); err != nil {
		return Preamble{}, fmt.Errorf("failed to decode preamble: %w", err)
	}
	return p, nil
}
