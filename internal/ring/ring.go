// Package ring implements power-of-two descriptor rings shared with the device
package ring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/ehrlich-b/go-cndm/internal/constants"
	"github.com/ehrlich-b/go-cndm/internal/dma"
)

// SlotSize is the size of every ring slot
const SlotSize = constants.DescSize

var ErrBadSize = errors.New("ring size must be a power of two")

// Ring is a DMA region of fixed-size slots addressed by free-running
// producer and consumer indices. The slot of an index is index & Mask and
// its generation (phase) is index & Size.
type Ring struct {
	Region  *dma.Region
	Size    uint32
	Mask    uint32
	LogSize uint32

	Prod uint32
	Cons uint32

	// DBOffset is the doorbell register assigned by the device, submission
	// rings only
	DBOffset uint32
}

// ValidSize reports whether size is a supported ring size
func ValidSize(size int) bool {
	return size >= constants.MinRingSize && size <= constants.MaxRingSize && size&(size-1) == 0
}

// New allocates a zeroed ring of size slots
func New(alloc dma.Allocator, size int) (*Ring, error) {
	if !ValidSize(size) {
		return nil, fmt.Errorf("%w: %d", ErrBadSize, size)
	}
	region, err := alloc.AllocCoherent(size * SlotSize)
	if err != nil {
		return nil, err
	}
	return &Ring{
		Region:  region,
		Size:    uint32(size),
		Mask:    uint32(size - 1),
		LogSize: uint32(bits.TrailingZeros32(uint32(size))),
	}, nil
}

// Free releases the ring memory. Safe to call more than once.
func (r *Ring) Free(alloc dma.Allocator) {
	if r == nil || r.Region == nil {
		return
	}
	alloc.FreeCoherent(r.Region)
	r.Region = nil
}

// Slot returns the bytes of the slot holding index idx
func (r *Ring) Slot(idx uint32) []byte {
	off := (idx & r.Mask) * SlotSize
	return r.Region.Mem[off : off+SlotSize : off+SlotSize]
}

// Used returns the number of occupied slots
func (r *Ring) Used() uint32 {
	return r.Prod - r.Cons
}

// Space returns the number of slots left for the producer
func (r *Ring) Space() uint32 {
	return r.Size - r.Used()
}

// Full reports whether no slot is free
func (r *Ring) Full() bool {
	return r.Used() >= r.Size
}

// Phase returns the generation bit of idx
func (r *Ring) Phase(idx uint32) bool {
	return idx&r.Size != 0
}

// DoorbellValue is the value written to the doorbell register for the
// current producer index
func (r *Ring) DoorbellValue() uint32 {
	return r.Prod & 0xffff
}

// LoadTail atomically reads the last dword of a slot, which holds the phase
// of completion and event records.
func (r *Ring) LoadTail(idx uint32) uint32 {
	s := r.Slot(idx)
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&s[SlotSize-4])))
}

// StoreTail atomically writes the last dword of a slot
func (r *Ring) StoreTail(idx uint32, v uint32) {
	s := r.Slot(idx)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&s[SlotSize-4])), v)
}

// CplReady reports whether the completion at the consumer index belongs to
// the current generation. A completion is valid when its phase bit differs
// from the generation bit of the consumer index.
func (r *Ring) CplReady(phaseByte uint8) bool {
	return (phaseByte&0x80 != 0) != r.Phase(r.Cons)
}

// CplPhaseFor returns the phase byte the device writes for index idx
func CplPhaseFor(size, idx uint32) uint8 {
	if idx&size != 0 {
		return 0
	}
	return 0x80
}

// TailPhase extracts the phase byte (the final byte of the slot) from a
// value returned by LoadTail
func TailPhase(tail uint32) uint8 {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], tail)
	return b[3]
}

// TailWithPhase returns the last dword of an encoded slot with its phase
// byte replaced, for publishing through StoreTail
func TailWithPhase(slot []byte, phase uint8) uint32 {
	var b [4]byte
	copy(b[:], slot[SlotSize-4:])
	b[3] = phase
	return binary.NativeEndian.Uint32(b[:])
}
