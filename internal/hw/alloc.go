package hw

import "unsafe"

// NewRegisterFile allocates a zeroed, aligned in-memory register block
func NewRegisterFile(size int) *MMIO {
	return NewMMIO(unsafeBytes(make([]uint32, (size+3)/4)))
}

func unsafeBytes(words []uint32) []byte {
	if len(words) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*4)
}
