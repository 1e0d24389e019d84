//go:build linux

package cndm

import (
	"context"

	"github.com/ehrlich-b/go-cndm/internal/dma"
	"github.com/ehrlich-b/go-cndm/internal/hw"
	"github.com/ehrlich-b/go-cndm/internal/irq"
	"github.com/ehrlich-b/go-cndm/internal/pci"
)

// Open attaches to a real cndm device bound to uio_pci_generic. It maps
// BAR0 through sysfs, reserves huge pages for DMA and listens for
// interrupts on the device's UIO node. The device is detached when ctx is
// done or Detach is called.
//
// Requires root (or CAP_SYS_ADMIN) and huge pages reserved in
// /proc/sys/vm/nr_hugepages.
func Open(ctx context.Context, params DeviceParams, options *Options) (*Device, error) {
	if options == nil {
		options = &Options{}
	}
	params = params.withDefaults()

	addr, err := pci.Parse(params.PCIAddress)
	if err != nil {
		return nil, WrapError("OPEN", err)
	}

	bar, err := hw.MapBAR(addr, 0)
	if err != nil {
		return nil, WrapError("MAP_BAR", err)
	}

	alloc, err := dma.NewHugePageAllocator(params.HugePages)
	if err != nil {
		bar.Close()
		return nil, WrapError("ALLOC_DMA", err)
	}

	uioPath := params.UIODevice
	if uioPath == "" {
		if uioPath, err = addr.UIODevice(); err != nil {
			alloc.Close()
			bar.Close()
			return nil, WrapError("OPEN", err)
		}
	}
	source, err := irq.NewUIOSource(uioPath)
	if err != nil {
		alloc.Close()
		bar.Close()
		return nil, WrapError("OPEN_UIO", err)
	}

	opts := *options
	opts.Interrupts = source
	d, err := Attach(bar, alloc, params, &opts)
	if err != nil {
		source.Close()
		alloc.Close()
		bar.Close()
		return nil, err
	}
	d.closers = append(d.closers, bar.Close, alloc.Close)

	if ctx != nil {
		context.AfterFunc(ctx, func() {
			if err := d.Detach(); err != nil {
				d.logger.Error("detach on context done failed", "error", err)
			}
		})
	}
	return d, nil
}
