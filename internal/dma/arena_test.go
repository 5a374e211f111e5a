package dma

import (
	"errors"
	"testing"
)

func TestArenaAllocFree(t *testing.T) {
	a, err := NewArena(4, 1708)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	var bufs [][]byte
	for i := 0; i < 4; i++ {
		b := a.Alloc(1708)
		if b == nil {
			t.Fatalf("alloc %d returned nil", i)
		}
		if cap(b) != 1708 {
			t.Fatalf("cap = %d", cap(b))
		}
		b[0] = byte(i + 1)
		bufs = append(bufs, b)
	}
	if b := a.Alloc(64); b != nil {
		t.Fatal("alloc from empty arena returned a buffer")
	}
	if a.Available() != 0 {
		t.Fatalf("available = %d", a.Available())
	}

	// A resliced buffer is still freed back to its own slot.
	a.Free(bufs[2][2:100])
	b := a.Alloc(60)
	if b == nil || len(b) != 60 {
		t.Fatalf("realloc = %v", b)
	}
	if b[0] != 0 {
		t.Fatal("recycled buffer was not cleared")
	}
	if &b[:1][0] != &bufs[2][:1][0] {
		t.Fatal("freed slot was not reused")
	}
}

func TestArenaRejectsOversize(t *testing.T) {
	a, err := NewArena(1, 256)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if a.Alloc(257) != nil {
		t.Fatal("oversize alloc succeeded")
	}
	if a.Available() != 1 {
		t.Fatal("oversize alloc consumed a buffer")
	}
}

func TestArenaDoubleFreePanics(t *testing.T) {
	a, err := NewArena(2, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b := a.Alloc(64)
	a.Free(b)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	a.Free(b)
}

func TestArenaFreeAfterClose(t *testing.T) {
	a, err := NewArena(2, 64)
	if err != nil {
		t.Fatal(err)
	}
	b := a.Alloc(64)
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	a.Free(b)
	a.Free(b)
	if got := a.Alloc(64); got != nil {
		t.Fatal("closed arena handed out a buffer")
	}
	if a.Available() != 0 {
		t.Fatalf("available = %d after close", a.Available())
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestNewArenaInvalid(t *testing.T) {
	if _, err := NewArena(0, 64); !errors.Is(err, ErrNoBuffers) {
		t.Fatalf("err = %v", err)
	}
}
