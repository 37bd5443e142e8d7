package transport

import (
	"fmt"
	"io"
	"sync"
)

// segmentSize is the capacity of pooled overflow segments.
const segmentSize = 16 * 1024

var segmentPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, segmentSize)
		return &b
	},
}

// PrefixWriter accumulates a payload behind a reserved length prefix
// and commits the whole thing to the sink in one pass.
//
// The first buffer holds the prefix plus up to payloadHint bytes, so a
// small payload costs no allocation beyond the writer itself. Larger
// payloads spill into pooled segments which are committed sequentially
// after the first buffer, never copied into it.
type PrefixWriter struct {
	sink       io.Writer
	prefixSize int

	first    []byte // prefix bytes followed by leading payload
	segments []*[]byte
}

// NewPrefixWriter creates a writer that reserves prefixSize bytes ahead
// of the payload and sizes the shared buffer for payloadHint bytes.
func NewPrefixWriter(sink io.Writer, prefixSize, payloadHint int) *PrefixWriter {
	if payloadHint < 0 {
		payloadHint = 0
	}
	return &PrefixWriter{
		sink:       sink,
		prefixSize: prefixSize,
		first:      make([]byte, prefixSize, prefixSize+payloadHint),
	}
}

// Write appends payload bytes. It never fails; errors surface on
// Complete.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	total := len(p)
	if room := cap(w.first) - len(w.first); room > 0 {
		n := room
		if n > len(p) {
			n = len(p)
		}
		w.first = append(w.first, p[:n]...)
		p = p[n:]
	}
	for len(p) > 0 {
		seg := w.tail()
		if seg == nil || cap(*seg) == len(*seg) {
			seg = w.grow(len(p))
		}
		n := cap(*seg) - len(*seg)
		if n > len(p) {
			n = len(p)
		}
		*seg = append(*seg, p[:n]...)
		p = p[n:]
	}
	return total, nil
}

// Next returns a writable span of n bytes positioned at the current end
// of the payload. The caller fills it before the next Write/Next call.
func (w *PrefixWriter) Next(n int) []byte {
	if room := cap(w.first) - len(w.first); room >= n {
		start := len(w.first)
		w.first = w.first[:start+n]
		return w.first[start : start+n]
	}
	seg := w.tail()
	if seg == nil || cap(*seg)-len(*seg) < n {
		seg = w.grow(n)
	}
	start := len(*seg)
	*seg = (*seg)[:start+n]
	return (*seg)[start : start+n]
}

// Len returns the number of payload bytes written so far.
func (w *PrefixWriter) Len() int {
	n := len(w.first) - w.prefixSize
	for _, seg := range w.segments {
		n += len(*seg)
	}
	return n
}

// Complete fills the reserved prefix and flushes prefix plus payload to
// the sink. The writer must not be used afterwards.
func (w *PrefixWriter) Complete(prefix []byte) error {
	if len(prefix) != w.prefixSize {
		return fmt.Errorf("prefix is %d bytes, writer reserved %d", len(prefix), w.prefixSize)
	}
	copy(w.first[:w.prefixSize], prefix)
	defer w.release()

	if _, err := w.sink.Write(w.first); err != nil {
		return err
	}
	for _, seg := range w.segments {
		if _, err := w.sink.Write(*seg); err != nil {
			return err
		}
	}
	return nil
}

// Abandon discards the buffered payload without writing, returning the
// pooled segments.
func (w *PrefixWriter) Abandon() {
	w.release()
}

func (w *PrefixWriter) tail() *[]byte {
	if len(w.segments) == 0 {
		return nil
	}
	return w.segments[len(w.segments)-1]
}

// grow appends a fresh segment able to hold at least n bytes. Oversized
// spans get a dedicated unpooled segment.
func (w *PrefixWriter) grow(n int) *[]byte {
	var seg *[]byte
	if n > segmentSize {
		b := make([]byte, 0, n)
		seg = &b
	} else {
		seg = segmentPool.Get().(*[]byte)
		*seg = (*seg)[:0]
	}
	w.segments = append(w.segments, seg)
	return seg
}

func (w *PrefixWriter) release() {
	for _, seg := range w.segments {
		if cap(*seg) == segmentSize {
			segmentPool.Put(seg)
		}
	}
	w.segments = nil
	w.first = nil
}
