package executor

import (
	"bytes"
	"io"
)

// cappedWriter keeps the first limit bytes written to it and forwards every
// chunk to an optional sink. It never reports a short write, so a chatty
// child is never blocked on a full pipe.
type cappedWriter struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
	sink      io.Writer
	sinkErr   error
}

func newCappedWriter(limit int, sink io.Writer) *cappedWriter {
	return &cappedWriter{limit: limit, sink: sink}
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	if w.sink != nil {
		if _, err := w.sink.Write(p); err != nil {
			// A failed sink is detached; capture continues.
			w.sinkErr = err
			w.sink = nil
		}
	}

	room := w.limit - w.buf.Len()
	switch {
	case room <= 0:
		if len(p) > 0 {
			w.truncated = true
		}
	case len(p) > room:
		w.buf.Write(p[:room])
		w.truncated = true
	default:
		w.buf.Write(p)
	}
	return len(p), nil
}

func (w *cappedWriter) String() string { return w.buf.String() }
