//internal/transport/pool.go

package transport

import "sync"

// ==================== Buffer pool ====================

const (
	SmallBufSize  = 2 * 1024  // one interface frame
	MediumBufSize = 16 * 1024 // proxy read chunk
	LargeBufSize  = 64 * 1024 // UDP relay datagram
)

type bufferPool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool
}

func newSizedPool(size int) sync.Pool {
	return sync.Pool{
		New: func() any {
			b := make([]byte, size)
			return &b
		},
	}
}

var pool = &bufferPool{
	small:  newSizedPool(SmallBufSize),
	medium: newSizedPool(MediumBufSize),
	large:  newSizedPool(LargeBufSize),
}

// GetBuffer returns a buffer of at least size bytes, resliced to its full capacity.
func GetBuffer(size int) *[]byte {
	var b *[]byte
	switch {
	case size <= SmallBufSize:
		b = pool.small.Get().(*[]byte)
	case size <= MediumBufSize:
		b = pool.medium.Get().(*[]byte)
	case size <= LargeBufSize:
		b = pool.large.Get().(*[]byte)
	default:
		nb := make([]byte, size)
		return &nb
	}
	*b = (*b)[:cap(*b)]
	return b
}

// PutBuffer returns b to the tier matching its capacity. Odd sizes are dropped.
func PutBuffer(b *[]byte) {
	if b == nil {
		return
	}
	switch cap(*b) {
	case SmallBufSize:
		pool.small.Put(b)
	case MediumBufSize:
		pool.medium.Put(b)
	case LargeBufSize:
		pool.large.Put(b)
	}
}
