//go:build linux

package hw

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-cndm/internal/pci"
)

// MapBAR maps a PCI BAR through its sysfs resource file
func MapBAR(addr pci.Address, bar int) (*MMIO, error) {
	path := addr.ResourcePath(bar)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if st.Size() == 0 {
		return nil, fmt.Errorf("BAR%d of %s is empty", bar, addr)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %s: %w", path, err)
	}

	return &MMIO{mem: mem, unmap: unix.Munmap}, nil
}
