//go:build !linux

package hw

import (
	"errors"

	"github.com/ehrlich-b/go-cndm/internal/pci"
)

// MapBAR is only available on Linux
func MapBAR(addr pci.Address, bar int) (*MMIO, error) {
	return nil, errors.New("BAR mapping requires linux")
}
