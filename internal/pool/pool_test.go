package pool

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestFillFromShortRead(t *testing.T) {
	bp := NewBufferPool(16)
	buf := bp.Get()
	defer bp.Put(buf)

	if err := buf.FillFrom(strings.NewReader("solid x"), 64); err != nil {
		t.Fatalf("short read should not fail: %v", err)
	}
	if string(buf.Bytes()) != "solid x" {
		t.Errorf("got %q", buf.Bytes())
	}

	if err := buf.FillFrom(bytes.NewReader(make([]byte, 100)), 10); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 10 {
		t.Errorf("Len = %d, want 10", buf.Len())
	}
}

func TestFillFromError(t *testing.T) {
	buf := &ByteBuffer{}
	want := errors.New("boom")
	if err := buf.FillFrom(failingReader{want}, 8); !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}
}

func TestPutReset(t *testing.T) {
	bp := NewBufferPool(0)
	if bp.Size() != DefaultBufferSize {
		t.Errorf("Size = %d", bp.Size())
	}
	buf := bp.Get()
	buf.Write([]byte("abc"))
	bp.Put(buf)
	if buf.Len() != 0 {
		t.Error("Put should reset the buffer")
	}
}

type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }
