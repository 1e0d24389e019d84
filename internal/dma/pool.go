package dma

import "sync"

// pagePool recycles page buffers between the RX refill and TX paths.
// Uses *[]byte to avoid the sync.Pool interface allocation.
var pagePool = sync.Pool{
	New: func() any {
		b := make([]byte, PageSize)
		return &b
	},
}

func getPageBuf() []byte {
	return *pagePool.Get().(*[]byte)
}

func putPageBuf(buf []byte) {
	if cap(buf) != PageSize {
		// Not one of ours
		return
	}
	buf = buf[:PageSize]
	clear(buf)
	pagePool.Put(&buf)
}
