package ctrl

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-cndm/internal/constants"
	"github.com/ehrlich-b/go-cndm/internal/hw"
	"github.com/ehrlich-b/go-cndm/internal/logging"
	"github.com/ehrlich-b/go-cndm/internal/uapi"
)

// fakeMailbox echoes commands into the response window when the go bit is
// written, optionally leaving the busy bit stuck.
type fakeMailbox struct {
	*hw.MMIO
	stuck  bool
	status uint16
	dboffs uint32
	writes int
	cmds   []uapi.Cmd
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{MMIO: hw.NewRegisterFile(constants.DefaultBARSize)}
}

func (f *fakeMailbox) Write32(off uint32, val uint32) {
	f.writes++
	f.MMIO.Write32(off, val)
	if off != constants.RegMailboxCtrl || val&constants.MailboxCtrlBusy == 0 {
		return
	}

	var dw [16]uint32
	for i := range dw {
		dw[i] = f.MMIO.Read32(constants.MailboxBase + uint32(i)*4)
	}
	var cmd uapi.Cmd
	cmd.SetDwords(dw)
	f.cmds = append(f.cmds, cmd)

	rsp := cmd
	rsp.Opcode = uapi.Opcode(f.status)
	rsp.DBOffs = f.dboffs
	for i, v := range rsp.Dwords() {
		f.MMIO.Write32(constants.MailboxRspBase+uint32(i)*4, v)
	}
	if !f.stuck {
		f.MMIO.Write32(constants.RegMailboxCtrl, 0)
	}
}

func testConfig(sleeps *int) Config {
	cfg := DefaultConfig()
	cfg.Sleep = func(time.Duration) { *sleeps++ }
	return cfg
}

func quietLogger() *logging.Logger {
	return logging.NewLogger(&logging.Config{Level: logging.LevelError, Output: &bytes.Buffer{}, Sync: true})
}

func TestExecNilArguments(t *testing.T) {
	mb := newFakeMailbox()
	c := NewController(mb, DefaultConfig())
	c.SetLogger(quietLogger())

	var rsp uapi.Cmd
	assert.ErrorIs(t, c.Exec(nil, &rsp), ErrNilCommand)
	assert.ErrorIs(t, c.Exec(&uapi.Cmd{}, nil), ErrNilCommand)
	assert.Zero(t, mb.writes, "no MMIO on argument errors")
}

func TestExecRoundTrip(t *testing.T) {
	mb := newFakeMailbox()
	mb.dboffs = 0x1000
	sleeps := 0
	c := NewController(mb, testConfig(&sleeps))
	c.SetLogger(quietLogger())

	cmd := uapi.Cmd{
		Opcode: uapi.OpCreateSQ,
		Flags:  3,
		Port:   1,
		QN:     0,
		QN2:    1,
		PD:     9,
		Size:   8,
		Ptr1:   0xabcdef0123,
		Ptr2:   0x42,
		DW12:   1, DW13: 2, DW14: 3, DW15: 4,
	}
	var rsp uapi.Cmd
	require.NoError(t, c.Exec(&cmd, &rsp))

	require.Len(t, mb.cmds, 1)
	assert.Equal(t, cmd, mb.cmds[0], "command reaches the mailbox unchanged")
	assert.Equal(t, uint32(0x1000), rsp.DBOffs)
	assert.Equal(t, cmd.Ptr1, rsp.Ptr1)
	assert.Zero(t, sleeps)

	// response window holds the doorbell offset at dword 7
	assert.Equal(t, uint32(0x1000), mb.MMIO.Read32(constants.MailboxRspBase+7*4))
}

func TestExecTimeout(t *testing.T) {
	mb := newFakeMailbox()
	mb.stuck = true
	sleeps := 0
	c := NewController(mb, testConfig(&sleeps))
	c.SetLogger(quietLogger())

	var rsp uapi.Cmd
	err := c.Exec(&uapi.Cmd{Opcode: uapi.OpCreateCQ}, &rsp)
	assert.ErrorIs(t, err, ErrMailboxTimeout)
	assert.Equal(t, constants.MailboxPollCount, sleeps)
	assert.Zero(t, rsp.Opcode)
}

func TestExecLegacyTimeout(t *testing.T) {
	mb := newFakeMailbox()
	mb.stuck = true
	mb.dboffs = 0x2000
	sleeps := 0
	cfg := testConfig(&sleeps)
	cfg.LegacyTimeout = true
	c := NewController(mb, cfg)
	c.SetLogger(quietLogger())

	var rsp uapi.Cmd
	require.NoError(t, c.Exec(&uapi.Cmd{Opcode: uapi.OpCreateRQ}, &rsp))
	assert.Equal(t, uint32(0x2000), rsp.DBOffs)
	assert.Equal(t, constants.MailboxPollCount, sleeps)
}

func TestExecStatus(t *testing.T) {
	mb := newFakeMailbox()
	mb.status = 0x16
	sleeps := 0
	c := NewController(mb, testConfig(&sleeps))
	c.SetLogger(quietLogger())

	var rsp uapi.Cmd
	err := c.Exec(&uapi.Cmd{Opcode: uapi.OpDestroyCQ}, &rsp)
	assert.ErrorIs(t, err, ErrCommandFailed)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, uint16(0x16), se.Status)
	assert.Equal(t, uapi.OpDestroyCQ, se.Op)
}

func TestCreateQueue(t *testing.T) {
	mb := newFakeMailbox()
	mb.dboffs = 0x3004
	sleeps := 0
	c := NewController(mb, testConfig(&sleeps))
	c.SetLogger(quietLogger())

	db, err := c.CreateQueue(QueueParams{Kind: uapi.KindSQ, Port: 2, QN: 0, QN2: 1, Size: 256, Ring: 0x9000})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x3004), db)

	sent := mb.cmds[0]
	assert.Equal(t, uapi.OpCreateSQ, sent.Opcode)
	assert.Equal(t, uint32(8), sent.Size)
	assert.Equal(t, uint32(1), sent.QN2)
	assert.Equal(t, uint64(0x9000), sent.Ptr1)

	_, err = c.CreateQueue(QueueParams{Kind: uapi.KindCQ, Size: 100})
	assert.ErrorIs(t, err, ErrBadQueueSize)
	assert.Len(t, mb.cmds, 1)

	require.NoError(t, c.DestroyQueue(uapi.KindSQ, 2, 0))
	assert.Equal(t, uapi.OpDestroySQ, mb.cmds[1].Opcode)

	require.NoError(t, c.Nop())
	assert.Equal(t, uapi.OpNop, mb.cmds[2].Opcode)
}

func TestSizeToShift(t *testing.T) {
	tests := []struct {
		size int
		want uint32
	}{
		{2, 1},
		{256, 8},
		{4096, 12},
		{65536, 16},
	}
	for _, tt := range tests {
		if got := sizeToShift(tt.size); got != tt.want {
			t.Errorf("sizeToShift(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}
}
