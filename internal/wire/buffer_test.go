package wire

import "testing"

func TestSharedBufferRefcount(t *testing.T) {
	b := NewSharedBuffer(16)
	b.Acquire()
	b.Acquire()
	if freed := b.Release(); freed {
		t.Fatal("buffer freed too early")
	}
	if freed := b.Release(); freed {
		t.Fatal("buffer freed too early")
	}
	if freed := b.Release(); !freed {
		t.Fatal("expected final release to free the buffer")
	}
	if freed := b.Release(); freed {
		t.Fatal("double free reported as fresh free")
	}
}
