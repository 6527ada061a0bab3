package util

import "testing"

func TestRingBufferOrder(t *testing.T) {
	rb := NewRingBuffer[int](3)
	if rb.Len() != 0 {
		t.Fatalf("new buffer len = %d", rb.Len())
	}
	rb.Push(1)
	rb.Push(2)
	got := rb.Snapshot()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("snapshot = %v", got)
	}
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	rb := NewRingBuffer[string](3)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		rb.Push(s)
	}
	got := rb.Snapshot()
	if len(got) != 3 || got[0] != "c" || got[2] != "e" {
		t.Fatalf("snapshot = %v", got)
	}
	if rb.Len() != 3 {
		t.Fatalf("len = %d", rb.Len())
	}
}
