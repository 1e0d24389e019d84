package backend

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-cndm"
)

type tsRecorder struct {
	*Memory
	ts []cndm.Timestamp
}

func (r *tsRecorder) HandleTxTimestamp(port int, ts cndm.Timestamp) {
	r.ts = append(r.ts, ts)
}

func TestPcapWritesFrames(t *testing.T) {
	var buf bytes.Buffer
	next := NewMemory(8)
	p, err := NewPcap(&buf, next)
	require.NoError(t, err)

	p.HandleFrame(0, &cndm.Frame{Data: []byte("first frame"), Timestamp: cndm.Timestamp{Sec: 1700000000, Nsec: 5}})
	p.HandleFrame(3, &cndm.Frame{Data: []byte("second"), Timestamp: cndm.Timestamp{Sec: 1700000001}})
	require.NoError(t, p.Close())
	assert.Equal(t, uint64(2), p.Count())
	assert.Equal(t, 2, next.Len())

	r, err := pcapgo.NewNgReader(&buf, pcapgo.DefaultNgReaderOptions)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeEthernet, r.LinkType())

	var got []string
	var intfs []int
	for {
		data, ci, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, string(data))
		intfs = append(intfs, ci.InterfaceIndex)
		if len(got) == 1 {
			assert.Equal(t, int64(1700000000), ci.Timestamp.Unix())
		}
	}
	assert.Equal(t, []string{"first frame", "second"}, got)
	assert.Equal(t, []int{0, 1}, intfs)
}

func TestPcapWithoutNext(t *testing.T) {
	var buf bytes.Buffer
	p, err := NewPcap(&buf, nil)
	require.NoError(t, err)

	p.HandleFrame(0, &cndm.Frame{Data: []byte("x")})
	assert.NoError(t, p.Err())
	assert.Equal(t, uint64(1), p.Count())
}

func TestPcapForwardsTxTimestamps(t *testing.T) {
	rec := &tsRecorder{Memory: NewMemory(1)}
	p, err := NewPcap(io.Discard, rec)
	require.NoError(t, err)

	p.HandleTxTimestamp(0, cndm.Timestamp{Sec: 7})
	assert.Equal(t, []cndm.Timestamp{{Sec: 7}}, rec.ts)

	// a plain handler is skipped
	p.Next = NewMemory(1)
	p.HandleTxTimestamp(0, cndm.Timestamp{Sec: 8})
}

func TestCreatePcap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rx.pcapng")
	p, err := CreatePcap(path, nil)
	require.NoError(t, err)
	p.HandleFrame(0, &cndm.Frame{Data: make([]byte, 60)})
	require.NoError(t, p.Close())

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, st.Size())

	_, err = CreatePcap(filepath.Join(t.TempDir(), "missing", "rx.pcapng"), nil)
	assert.Error(t, err)
}
