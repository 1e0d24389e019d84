package irq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorAssignment(t *testing.T) {
	tbl := NewTable(3)
	assert.Equal(t, 3, tbl.Count())
	for port, want := range []int{0, 1, 2, 0, 1, 2, 0} {
		assert.Equal(t, want, tbl.VectorFor(port))
	}

	assert.Equal(t, 1, NewTable(0).Count())
}

func TestRegisterBounds(t *testing.T) {
	tbl := NewTable(2)
	_, err := tbl.Register(2)
	assert.ErrorIs(t, err, ErrBadVector)
	_, err = tbl.Register(-1)
	assert.ErrorIs(t, err, ErrBadVector)

	tbl.Close()
	_, err = tbl.Register(0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPostCoalesces(t *testing.T) {
	tbl := NewTable(2)
	a, err := tbl.Register(0)
	require.NoError(t, err)
	b, err := tbl.Register(1)
	require.NoError(t, err)

	tbl.Post(0)
	tbl.Post(0)
	tbl.Post(5) // ignored

	select {
	case <-a.C:
	default:
		t.Fatal("expected event on vector 0")
	}
	select {
	case <-a.C:
		t.Fatal("events should coalesce")
	default:
	}
	select {
	case <-b.C:
		t.Fatal("vector 1 should be idle")
	default:
	}
	assert.Equal(t, []uint64{2, 0}, tbl.Counts())
}

func TestRegistrationClose(t *testing.T) {
	tbl := NewTable(1)
	a, _ := tbl.Register(0)
	b, _ := tbl.Register(0)
	assert.Equal(t, 2, tbl.Subscribers(0))
	assert.Equal(t, 0, a.Vector())

	a.Close()
	a.Close()
	assert.Equal(t, 1, tbl.Subscribers(0))

	tbl.Post(0)
	select {
	case <-a.C:
		t.Fatal("closed registration received an event")
	default:
	}
	<-b.C
}

func TestSoftSource(t *testing.T) {
	tbl := NewTable(2)
	src := NewSoftSource()
	r, _ := tbl.Register(1)

	src.Raise(1) // not started
	select {
	case <-r.C:
		t.Fatal("event before Start")
	default:
	}

	require.NoError(t, src.Start(tbl))
	src.Raise(1)
	<-r.C

	tbl.PostAll()
	<-r.C

	require.NoError(t, src.Close())
	src.Raise(1)
	select {
	case <-r.C:
		t.Fatal("event after Close")
	default:
	}
}
