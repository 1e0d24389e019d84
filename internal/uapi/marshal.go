package uapi

import "encoding/binary"

// MarshalError is returned for malformed records
type MarshalError string

func (e MarshalError) Error() string {
	return string(e)
}

const (
	ErrInsufficientData MarshalError = "insufficient data for unmarshaling"
	ErrInvalidKind      MarshalError = "invalid descriptor kind"
)

// Dwords returns the command as 16 little-endian dwords, in mailbox order
func (c *Cmd) Dwords() [16]uint32 {
	var buf [CmdSize]byte
	c.MarshalTo(buf[:])
	var dw [16]uint32
	for i := range dw {
		dw[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return dw
}

// SetDwords decodes a command from 16 dwords read out of the mailbox
func (c *Cmd) SetDwords(dw [16]uint32) {
	var buf [CmdSize]byte
	for i, v := range dw {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	c.decode(&buf)
}

// MarshalTo encodes the command into buf, which must hold CmdSize bytes
func (c *Cmd) MarshalTo(buf []byte) {
	_ = buf[CmdSize-1]
	binary.LittleEndian.PutUint16(buf[0:2], c.Rsvd)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(c.Opcode))
	binary.LittleEndian.PutUint32(buf[4:8], c.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], c.Port)
	binary.LittleEndian.PutUint32(buf[12:16], c.QN)
	binary.LittleEndian.PutUint32(buf[16:20], c.QN2)
	binary.LittleEndian.PutUint32(buf[20:24], c.PD)
	binary.LittleEndian.PutUint32(buf[24:28], c.Size)
	binary.LittleEndian.PutUint32(buf[28:32], c.DBOffs)
	binary.LittleEndian.PutUint64(buf[32:40], c.Ptr1)
	binary.LittleEndian.PutUint64(buf[40:48], c.Ptr2)
	binary.LittleEndian.PutUint32(buf[48:52], c.DW12)
	binary.LittleEndian.PutUint32(buf[52:56], c.DW13)
	binary.LittleEndian.PutUint32(buf[56:60], c.DW14)
	binary.LittleEndian.PutUint32(buf[60:64], c.DW15)
}

// Unmarshal decodes a command from data
func (c *Cmd) Unmarshal(data []byte) error {
	if len(data) < CmdSize {
		return ErrInsufficientData
	}
	c.decode((*[CmdSize]byte)(data))
	return nil
}

func (c *Cmd) decode(data *[CmdSize]byte) {
	c.Rsvd = binary.LittleEndian.Uint16(data[0:2])
	c.Opcode = Opcode(binary.LittleEndian.Uint16(data[2:4]))
	c.Flags = binary.LittleEndian.Uint32(data[4:8])
	c.Port = binary.LittleEndian.Uint32(data[8:12])
	c.QN = binary.LittleEndian.Uint32(data[12:16])
	c.QN2 = binary.LittleEndian.Uint32(data[16:20])
	c.PD = binary.LittleEndian.Uint32(data[20:24])
	c.Size = binary.LittleEndian.Uint32(data[24:28])
	c.DBOffs = binary.LittleEndian.Uint32(data[28:32])
	c.Ptr1 = binary.LittleEndian.Uint64(data[32:40])
	c.Ptr2 = binary.LittleEndian.Uint64(data[40:48])
	c.DW12 = binary.LittleEndian.Uint32(data[48:52])
	c.DW13 = binary.LittleEndian.Uint32(data[52:56])
	c.DW14 = binary.LittleEndian.Uint32(data[56:60])
	c.DW15 = binary.LittleEndian.Uint32(data[60:64])
}

// MarshalTo encodes the descriptor into buf, which must hold DescSize bytes
func (d *Desc) MarshalTo(buf []byte) {
	_ = buf[DescSize-1]
	var csum uint16
	if d.Kind == DescTx {
		csum = d.CsumCmd
	}
	binary.LittleEndian.PutUint16(buf[0:2], 0)
	binary.LittleEndian.PutUint16(buf[2:4], csum)
	binary.LittleEndian.PutUint32(buf[4:8], d.Len)
	binary.LittleEndian.PutUint64(buf[8:16], d.Addr)
}

// UnmarshalDesc decodes a descriptor read from a ring of the given kind
func UnmarshalDesc(data []byte, kind DescKind) (Desc, error) {
	if len(data) < DescSize {
		return Desc{}, ErrInsufficientData
	}
	if kind != DescRx && kind != DescTx {
		return Desc{}, ErrInvalidKind
	}
	d := Desc{
		Kind: kind,
		Len:  binary.LittleEndian.Uint32(data[4:8]),
		Addr: binary.LittleEndian.Uint64(data[8:16]),
	}
	if kind == DescTx {
		d.CsumCmd = binary.LittleEndian.Uint16(data[2:4])
	}
	return d, nil
}

// MarshalTo encodes the completion into buf, which must hold CplSize bytes
func (c *Cpl) MarshalTo(buf []byte) {
	_ = buf[CplSize-1]
	copy(buf[0:4], c.Rsvd[:])
	binary.LittleEndian.PutUint32(buf[4:8], c.Len)
	binary.LittleEndian.PutUint32(buf[8:12], c.TsNs)
	binary.LittleEndian.PutUint16(buf[12:14], c.TsFns)
	buf[14] = c.TsS
	buf[15] = c.Phase
}

// Unmarshal decodes a completion from data
func (c *Cpl) Unmarshal(data []byte) error {
	if len(data) < CplSize {
		return ErrInsufficientData
	}
	c.Decode(data)
	return nil
}

// Decode decodes a completion from a ring slot, which must hold CplSize
// bytes
func (c *Cpl) Decode(slot []byte) {
	data := slot[:CplSize]
	copy(c.Rsvd[:], data[0:4])
	c.Len = binary.LittleEndian.Uint32(data[4:8])
	c.TsNs = binary.LittleEndian.Uint32(data[8:12])
	c.TsFns = binary.LittleEndian.Uint16(data[12:14])
	c.TsS = data[14]
	c.Phase = data[15]
}
