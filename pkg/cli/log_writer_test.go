package cli

import (
	"bytes"
	"fmt"
	"reflect"
	"testing"
)

func TestLogWriter_KeepsTail(t *testing.T) {
	w := NewLogWriter(3)
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(w, "line %d\n", i)
	}

	want := []string{"line 3", "line 4", "line 5"}
	if got := w.Lines(); !reflect.DeepEqual(got, want) {
		t.Errorf("Lines() = %v, want %v", got, want)
	}
}

func TestLogWriter_SplitsMultiLineWrites(t *testing.T) {
	w := NewLogWriter(8)
	n, err := w.Write([]byte("first\nsecond\nthird\n"))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if n != len("first\nsecond\nthird\n") {
		t.Errorf("Write n = %d, want %d", n, len("first\nsecond\nthird\n"))
	}

	want := []string{"first", "second", "third"}
	if got := w.Lines(); !reflect.DeepEqual(got, want) {
		t.Errorf("Lines() = %v, want %v", got, want)
	}
}

func TestLogWriter_DumpTo(t *testing.T) {
	w := NewLogWriter(4)
	fmt.Fprintln(w, "alpha")
	fmt.Fprintln(w, "beta")

	var buf bytes.Buffer
	w.DumpTo(&buf)

	if got, want := buf.String(), "alpha\nbeta\n"; got != want {
		t.Errorf("DumpTo = %q, want %q", got, want)
	}
}
