package msg

import (
	"bytes"
	"testing"
)

func TestIndentWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &IndentWriter{Indent: "  ", W: &buf}

	w.Write([]byte("Cloning into 'flanterm'...\nremote: "))
	w.Write([]byte("done\n"))

	want := "  Cloning into 'flanterm'...\n  remote: done\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestProgressBarCountsWhenQuiet(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar(10, 0, &buf)

	n, err := pb.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	pb.Finish()

	if pb.Current != 5 {
		t.Errorf("Current = %d, want 5", pb.Current)
	}
	if buf.Len() != 0 {
		t.Errorf("non-terminal writer should stay silent, got %q", buf.String())
	}
}
