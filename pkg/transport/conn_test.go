package transport

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/granary-io/granary/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageFramingRoundTrip(t *testing.T) {
	msg := &types.Message{
		ID:           42,
		Direction:    types.DirectionRequest,
		SendingGrain: types.GrainString("caller", "c1"),
		TargetGrain:  types.GrainString("account", "a1"),
		SendingSilo:  types.SiloAddress{Endpoint: "10.0.0.1:11711", Generation: 7},
		TargetSilo:   types.SiloAddress{Endpoint: "10.0.0.2:11711", Generation: 3},
		Expiry:       time.Now().Add(time.Minute).UTC(),
		RequestContext: map[string]string{
			types.ContextCallChain: "root-1",
		},
		Body: []byte("payload bytes"),
	}

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, msg))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, msg.TargetGrain, got.TargetGrain)
	assert.Equal(t, msg.Body, got.Body)
	assert.Equal(t, "root-1", got.CallChainRoot())
	assert.Zero(t, buf.Len(), "frame must be fully consumed")
}

func TestMessageFramingEmptyBody(t *testing.T) {
	msg := &types.Message{ID: 1, Direction: types.DirectionOneWay}
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, msg))
	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Nil(t, got.Body)
}

func TestPreambleRoundTrip(t *testing.T) {
	p := Preamble{
		NodeID:    "10.0.0.1:11711@7",
		Silo:      types.SiloAddress{Endpoint: "10.0.0.1:11711", Generation: 7},
		ClusterID: "prod",
	}
	var buf bytes.Buffer
	require.NoError(t, WritePreamble(&buf, p))
	got, err := ReadPreamble(&buf)
	require.NoError(t, err)
	assert.Equal(t, p, got)
	assert.True(t, got.IsPeer())
}

func TestPreambleRejectsBadMagic(t *testing.T) {
	_, err := ReadPreamble(bytes.NewReader([]byte("not a preamble....")))
	assert.ErrorIs(t, err, types.ErrProtocolVersionMismatch)
}

func TestHandshakeClusterMismatchFatal(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	errCh := make(chan error, 2)
	go func() {
		_, err := Handshake(a, Preamble{NodeID: "silo-a", ClusterID: "prod"})
		errCh <- err
	}()
	go func() {
		_, err := Handshake(b, Preamble{NodeID: "silo-b", ClusterID: "staging"})
		errCh <- err
	}()

	for i := 0; i < 2; i++ {
		err := <-errCh
		require.Error(t, err)
		assert.ErrorIs(t, err, types.ErrClusterIDMismatch)
	}
}

func TestConnectionDeliversMessages(t *testing.T) {
	a, b := net.Pipe()

	connCh := make(chan *Connection, 2)
	go func() {
		c, err := Handshake(a, Preamble{NodeID: "silo-a", ClusterID: "test"})
		require.NoError(t, err)
		connCh <- c
	}()
	c2, err := Handshake(b, Preamble{NodeID: "client-1", ClusterID: "test"})
	require.NoError(t, err)
	c1 := <-connCh

	received := make(chan *types.Message, 1)
	c1.Start(func(_ *Connection, msg *types.Message) { received <- msg }, nil)
	c2.Start(func(_ *Connection, msg *types.Message) {}, nil)
	defer c1.Close()
	defer c2.Close()

	msg := &types.Message{
		ID:        7,
		Direction: types.DirectionRequest,
		Expiry:    time.Now().Add(time.Minute),
		Body:      []byte("ping"),
	}
	require.NoError(t, c2.Send(msg))

	select {
	case got := <-received:
		assert.Equal(t, types.CorrelationID(7), got.ID)
		assert.Equal(t, []byte("ping"), got.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestConnectionDropsExpiredOutbound(t *testing.T) {
	a, b := net.Pipe()

	connCh := make(chan *Connection, 1)
	go func() {
		c, err := Handshake(a, Preamble{NodeID: "silo-a", ClusterID: "test"})
		require.NoError(t, err)
		connCh <- c
	}()
	c2, err := Handshake(b, Preamble{NodeID: "client-1", ClusterID: "test"})
	require.NoError(t, err)
	c1 := <-connCh

	received := make(chan *types.Message, 2)
	c1.Start(func(_ *Connection, msg *types.Message) { received <- msg }, nil)
	c2.Start(func(_ *Connection, msg *types.Message) {}, nil)
	defer c1.Close()
	defer c2.Close()

	expired := &types.Message{ID: 1, Direction: types.DirectionOneWay, Expiry: time.Now().Add(-time.Second)}
	live := &types.Message{ID: 2, Direction: types.DirectionOneWay, Expiry: time.Now().Add(time.Minute)}
	require.NoError(t, c2.Send(expired))
	require.NoError(t, c2.Send(live))

	select {
	case got := <-received:
		assert.Equal(t, types.CorrelationID(2), got.ID, "expired message must be dropped before the network")
	case <-time.After(2 * time.Second):
		t.Fatal("live message was not delivered")
	}
}
