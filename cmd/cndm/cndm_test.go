package main

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-cndm"
)

func TestProbeRoundTrip(t *testing.T) {
	src := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	b := newProbeBuilder(src)
	c := newProbeCounter(nil)

	frame, err := b.Build([]byte("probe payload"))
	require.NoError(t, err)
	assert.Equal(t, []byte(src), frame[6:12])

	c.HandleFrame(0, &cndm.Frame{Data: append([]byte(nil), frame...), Timestamp: cndm.Timestamp{Sec: 5}})
	c.HandleFrame(0, &cndm.Frame{Data: make([]byte, 60)})

	assert.Equal(t, uint64(2), c.frames.Load())
	assert.Equal(t, uint64(1), c.probes.Load())
	assert.Equal(t, uint64(1), c.other.Load())
	assert.Equal(t, cndm.Timestamp{}, *c.lastTS.Load())
}

func TestLoadParams(t *testing.T) {
	params, err := loadParams("")
	require.NoError(t, err)
	assert.Equal(t, cndm.DefaultParams(), params)

	path := filepath.Join(t.TempDir(), "cndm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: nic1
rx_ring_size: 1024
phc_offset: 0x24000
mailbox_poll_interval: 250us
`), 0o644))

	params, err = loadParams(path)
	require.NoError(t, err)
	assert.Equal(t, "nic1", params.Name)
	assert.Equal(t, 1024, params.RxRingSize)
	assert.Equal(t, cndm.DefaultRingSize, params.TxRingSize)
	assert.Equal(t, uint32(0x24000), params.PHCOffset)
	assert.Equal(t, 250*time.Microsecond, params.MailboxPollInterval)

	require.NoError(t, os.WriteFile(path, []byte("tx_ring_size: 300\n"), 0o644))
	_, err = loadParams(path)
	assert.ErrorIs(t, err, cndm.ErrInvalidParameters)

	_, err = loadParams(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
