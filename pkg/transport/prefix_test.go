package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixWriterSmallPayloadSharesBuffer(t *testing.T) {
	var sink bytes.Buffer
	w := NewPrefixWriter(&sink, 4, 16)

	payload := []byte("hello world")
	_, err := w.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), w.Len())
	assert.Empty(t, w.segments, "payload within the hint must not spill")

	require.NoError(t, w.Complete([]byte{0x00, 0x00, 0x00, 0x0B}))
	assert.Equal(t, append([]byte{0x00, 0x00, 0x00, 0x0B}, payload...), sink.Bytes())
}

func TestPrefixWriterOverflow(t *testing.T) {
	var sink bytes.Buffer
	w := NewPrefixWriter(&sink, 4, 16)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err := w.Write(payload)
	require.NoError(t, err)

	require.NoError(t, w.Complete([]byte{0x00, 0x00, 0x00, 0x64}))

	out := sink.Bytes()
	require.Len(t, out, 104)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x64}, out[:4])
	assert.Equal(t, payload, out[4:])
}

func TestPrefixWriterSpansAndWritesInterleave(t *testing.T) {
	var sink bytes.Buffer
	w := NewPrefixWriter(&sink, 2, 8)

	copy(w.Next(4), "abcd")
	_, err := w.Write([]byte("efgh"))
	require.NoError(t, err)
	copy(w.Next(4), "ijkl")
	_, err = w.Write(bytes.Repeat([]byte("mn"), 20))
	require.NoError(t, err)

	require.NoError(t, w.Complete([]byte{0xAA, 0xBB}))

	want := append([]byte{0xAA, 0xBB}, []byte("abcdefghijkl")...)
	want = append(want, bytes.Repeat([]byte("mn"), 20)...)
	assert.Equal(t, want, sink.Bytes())
}

func TestPrefixWriterLargePayloadRoundTrip(t *testing.T) {
	var sink bytes.Buffer
	w := NewPrefixWriter(&sink, 8, 512)

	// Larger than several pooled segments.
	payload := make([]byte, 3*segmentSize+123)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	_, err := w.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), w.Len())

	prefix := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, w.Complete(prefix))

	out := sink.Bytes()
	require.Len(t, out, len(payload)+8)
	assert.Equal(t, prefix, out[:8])
	assert.Equal(t, payload, out[8:])
}

func TestPrefixWriterRejectsWrongPrefixSize(t *testing.T) {
	w := NewPrefixWriter(&bytes.Buffer{}, 4, 16)
	w.Write([]byte("x"))
	assert.Error(t, w.Complete([]byte{1, 2}))
}
