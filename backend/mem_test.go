package backend

import (
	"testing"

	"github.com/ehrlich-b/go-cndm"
)

func frame(b ...byte) *cndm.Frame {
	return &cndm.Frame{Data: b, Timestamp: cndm.Timestamp{Sec: 10, Nsec: uint32(len(b))}}
}

func TestNewMemory(t *testing.T) {
	mem := NewMemory(4)
	if mem.Len() != 0 {
		t.Errorf("Len() = %d, want 0", mem.Len())
	}
	if _, ok := mem.Last(); ok {
		t.Error("Last() on empty memory should report false")
	}

	if NewMemory(0).Stats()["capacity"] != 1 {
		t.Error("non-positive capacity should be raised to 1")
	}
}

func TestMemoryHandleFrame(t *testing.T) {
	mem := NewMemory(4)
	defer mem.Close()

	f := frame(1, 2, 3)
	mem.HandleFrame(2, f)

	last, ok := mem.Last()
	if !ok {
		t.Fatal("Last() reported no frame")
	}
	if last.Port != 2 || string(last.Data) != "\x01\x02\x03" {
		t.Errorf("unexpected capture %+v", last)
	}
	if last.Timestamp != (cndm.Timestamp{Sec: 10, Nsec: 3}) {
		t.Errorf("timestamp = %v", last.Timestamp)
	}
}

func TestMemoryWraps(t *testing.T) {
	mem := NewMemory(3)
	for i := 1; i <= 5; i++ {
		mem.HandleFrame(0, frame(byte(i)))
	}

	if mem.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", mem.Len())
	}
	frames := mem.Frames()
	for i, want := range []byte{3, 4, 5} {
		if frames[i].Data[0] != want {
			t.Errorf("frame %d = %d, want %d", i, frames[i].Data[0], want)
		}
	}
	if last, _ := mem.Last(); last.Data[0] != 5 {
		t.Errorf("Last() = %d, want 5", last.Data[0])
	}

	stats := mem.Stats()
	if stats["frames"] != uint64(5) || stats["bytes"] != uint64(5) || stats["held"] != 3 {
		t.Errorf("unexpected stats %v", stats)
	}
}

func TestMemoryReset(t *testing.T) {
	mem := NewMemory(2)
	mem.HandleFrame(0, frame(1))
	mem.HandleFrame(0, frame(2))
	mem.HandleFrame(0, frame(3))
	mem.Reset()

	if mem.Len() != 0 {
		t.Errorf("Len() after Reset = %d", mem.Len())
	}
	mem.HandleFrame(0, frame(9))
	if frames := mem.Frames(); len(frames) != 1 || frames[0].Data[0] != 9 {
		t.Errorf("unexpected frames after Reset: %+v", frames)
	}
}

func BenchmarkMemoryHandleFrame(b *testing.B) {
	mem := NewMemory(1024)
	data := make([]byte, 1500)
	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mem.HandleFrame(0, &cndm.Frame{Data: data})
	}
}
