// Package pci locates cndm devices in sysfs
package pci

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// ErrAddress is returned for malformed PCI addresses
var ErrAddress = errors.New("bad PCI address")

// SysfsRoot is the PCI device directory, variable for tests
var SysfsRoot = "/sys/bus/pci/devices"

var reAddr = regexp.MustCompile(`^(?:([[:xdigit:]]{1,4}):)?([[:xdigit:]]{1,2}):([[:xdigit:]]{1,2})\.([0-7])$`)

// Address is a PCI domain:bus:slot.function address
type Address struct {
	Domain   uint16
	Bus      uint8
	Slot     uint8
	Function uint8
}

func (a Address) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", a.Domain, a.Bus, a.Slot, a.Function)
}

// UnmarshalText lets addresses appear directly in config files
func (a *Address) UnmarshalText(text []byte) (err error) {
	*a, err = Parse(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// Parse parses "0000:01:00.0" or the short "01:00.0" form
func Parse(s string) (Address, error) {
	m := reAddr.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Address{}, ErrAddress
	}

	var a Address
	if m[1] != "" {
		v, _ := strconv.ParseUint(m[1], 16, 16)
		a.Domain = uint16(v)
	}
	v, _ := strconv.ParseUint(m[2], 16, 8)
	a.Bus = uint8(v)
	v, _ = strconv.ParseUint(m[3], 16, 8)
	a.Slot = uint8(v)
	v, _ = strconv.ParseUint(m[4], 16, 8)
	a.Function = uint8(v)
	return a, nil
}

// Dir returns the sysfs directory of the device
func (a Address) Dir() string {
	return filepath.Join(SysfsRoot, a.String())
}

// ResourcePath returns the sysfs file that maps BAR index
func (a Address) ResourcePath(bar int) string {
	return filepath.Join(a.Dir(), fmt.Sprintf("resource%d", bar))
}

// UIODevice returns /dev/uioN for a device bound to a UIO driver
func (a Address) UIODevice() (string, error) {
	entries, err := os.ReadDir(filepath.Join(a.Dir(), "uio"))
	if err != nil {
		return "", fmt.Errorf("device %s not bound to uio: %w", a, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "uio") {
			return "/dev/" + e.Name(), nil
		}
	}
	return "", fmt.Errorf("device %s has no uio node", a)
}
