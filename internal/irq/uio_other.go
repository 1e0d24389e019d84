//go:build !linux

package irq

import "errors"

// UIOSource is only available on Linux
type UIOSource struct{}

func NewUIOSource(path string) (*UIOSource, error) {
	return nil, errors.New("uio requires linux")
}

func (s *UIOSource) Start(t *Table) error { return errors.New("uio requires linux") }
func (s *UIOSource) Close() error         { return nil }

var _ Source = (*UIOSource)(nil)
