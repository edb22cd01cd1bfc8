package executor

import (
	"bytes"
	"testing"
)

func TestCappedWriter(t *testing.T) {
	t.Parallel()

	var sink bytes.Buffer
	w := newCappedWriter(5, &sink)
	for _, chunk := range []string{"abc", "def", "ghi"} {
		n, err := w.Write([]byte(chunk))
		if n != len(chunk) || err != nil {
			t.Fatalf("Write(%q) = %d, %v", chunk, n, err)
		}
	}
	if w.String() != "abcde" || !w.truncated {
		t.Errorf("buffer = %q truncated=%v", w.String(), w.truncated)
	}
	if sink.String() != "abcdefghi" {
		t.Errorf("sink = %q, want every chunk", sink.String())
	}
}

func TestCappedWriter_ExactLimit(t *testing.T) {
	t.Parallel()

	w := newCappedWriter(3, nil)
	_, _ = w.Write([]byte("abc"))
	if w.truncated {
		t.Error("exact fit marked truncated")
	}
	_, _ = w.Write(nil)
	if w.truncated {
		t.Error("empty write marked truncated")
	}
}
