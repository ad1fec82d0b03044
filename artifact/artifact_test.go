package artifact

import (
	"bytes"
	"errors"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	ref, err := sink.Write("draft.md", []byte("# hello"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if ref.Size != 7 {
		t.Errorf("size = %d, want 7", ref.Size)
	}

	got, err := sink.Read(ref)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, []byte("# hello")) {
		t.Errorf("content mismatch: %q", got)
	}
}

func TestReadMissing(t *testing.T) {
	sink, _ := NewFileSink(t.TempDir())
	if _, err := sink.Read(Ref{Path: "ghost.bin"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReadRejectsTraversal(t *testing.T) {
	sink, _ := NewFileSink(t.TempDir())
	for _, p := range []string{"../secret", "/etc/passwd", "a/../../b"} {
		if _, err := sink.Read(Ref{Path: p}); !errors.Is(err, ErrNotFound) {
			t.Errorf("path %q should be rejected, got %v", p, err)
		}
	}
}

func TestWriteSanitizesName(t *testing.T) {
	sink, _ := NewFileSink(t.TempDir())
	ref, err := sink.Write("a/b/../c.txt", []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sink.Read(ref); err != nil {
		t.Errorf("sanitized artifact unreadable: %v", err)
	}
}
