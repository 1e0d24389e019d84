package uapi

import "unsafe"

// Cmd is the mailbox command and response record (64 bytes, little-endian).
//
//	struct cndm_cmd {
//	  __u16 rsvd;
//	  __u16 opcode;   // status in the response
//	  __u32 flags;
//	  __u32 port;
//	  __u32 qn;
//	  __u32 qn2;
//	  __u32 pd;
//	  __u32 size;     // log2 of the ring size
//	  __u32 dboffs;   // doorbell offset, filled in by create responses
//	  __u64 ptr1;
//	  __u64 ptr2;
//	  __u32 dw12, dw13, dw14, dw15;
//	};
type Cmd struct {
	Rsvd   uint16
	Opcode Opcode // Status in the response
	Flags  uint32
	Port   uint32
	QN     uint32
	QN2    uint32
	PD     uint32
	Size   uint32
	DBOffs uint32
	Ptr1   uint64
	Ptr2   uint64
	DW12   uint32
	DW13   uint32
	DW14   uint32
	DW15   uint32
}

var _ [64]byte = [unsafe.Sizeof(Cmd{})]byte{}

// CmdSize is the encoded size of Cmd
const CmdSize = 64

// Status returns the response status carried in the opcode slot
func (c *Cmd) Status() uint16 {
	return uint16(c.Opcode)
}

// DescKind tags which ring a submission descriptor belongs to
type DescKind uint8

const (
	DescRx DescKind = iota
	DescTx
)

// Desc is a submission descriptor. On the wire it is 16 bytes:
//
//	struct cndm_desc {
//	  __u16 rsvd;
//	  __u16 csum_cmd;  // reserved on RX
//	  __u32 len;
//	  __u64 addr;
//	};
//
// CsumCmd is only encoded for DescTx; RX descriptors always carry zero there.
type Desc struct {
	Kind    DescKind
	CsumCmd uint16
	Len     uint32
	Addr    uint64
}

// DescSize is the encoded size of Desc
const DescSize = 16

// Cpl is a completion record (16 bytes).
//
//	struct cndm_cpl {
//	  __u8  rsvd[4];
//	  __u32 len;
//	  __u32 ts_ns;
//	  __u16 ts_fns;
//	  __u8  ts_s;     // low 8 bits of seconds, only the low nibble is meaningful
//	  __u8  phase;    // bit 7 is the generation
//	};
type Cpl struct {
	Rsvd  [4]byte
	Len   uint32
	TsNs  uint32
	TsFns uint16
	TsS   uint8
	Phase uint8
}

var _ [16]byte = [unsafe.Sizeof(Cpl{})]byte{}

// CplSize is the encoded size of Cpl
const CplSize = 16

// PhaseSet reports whether the generation bit of the completion is set
func (c *Cpl) PhaseSet() bool {
	return c.Phase&CplPhaseBit != 0
}
