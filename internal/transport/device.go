//internal/transport/device.go

package transport

import (
	"context"
	"errors"
	"io"
	"sync"

	plog "tunsocks/pkg/log"
	"tunsocks/pkg/metrics"
)

const DefaultWriteQueueSize = 1024

var ErrWriterClosed = errors.New("interface writer closed")

// ==================== Writer ====================

// Writer serializes frame writes to the interface. Any number of goroutines
// may queue frames; a single Run loop drains the queue so each frame is
// written whole and never interleaved with another.
type Writer struct {
	dev     io.Writer
	writeCh chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}

	mu  sync.Mutex
	err error

	log *plog.PrefixLogger
}

func NewWriter(dev io.Writer, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = DefaultWriteQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{
		dev:     dev,
		writeCh: make(chan []byte, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		log:     plog.NewPrefixLogger("Writer"),
	}
}

// Send queues frame, blocking while the queue is full. The frame must not
// be modified after Send returns nil.
func (w *Writer) Send(ctx context.Context, frame []byte) error {
	if w.ctx.Err() != nil {
		return ErrWriterClosed
	}
	select {
	case w.writeCh <- frame:
		return nil
	case <-w.ctx.Done():
		return ErrWriterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend queues frame without blocking and reports whether it was accepted.
// Rejected frames are counted as dropped.
func (w *Writer) TrySend(frame []byte) bool {
	if w.ctx.Err() != nil {
		return false
	}
	select {
	case w.writeCh <- frame:
		return true
	default:
		metrics.IncrDropped()
		return false
	}
}

// Run writes queued frames until Close is called or a write fails. A short
// write drops that frame only; any other write error stops the writer and is
// reported by Err.
func (w *Writer) Run() {
	defer close(w.done)
	defer w.drain()

	for {
		select {
		case <-w.ctx.Done():
			return
		case frame := <-w.writeCh:
			if _, err := w.dev.Write(frame); err != nil {
				if errors.Is(err, io.ErrShortWrite) {
					w.log.Warn("short write of %d bytes", len(frame))
					metrics.IncrDropped()
					continue
				}
				w.log.Debug("write %d bytes: %v", len(frame), err)
				w.mu.Lock()
				w.err = err
				w.mu.Unlock()
				w.cancel()
				return
			}
			metrics.IncrFramesOut()
		}
	}
}

func (w *Writer) drain() {
	for {
		select {
		case <-w.writeCh:
		default:
			return
		}
	}
}

// Close stops the writer. Queued frames that were not yet written are discarded.
func (w *Writer) Close() {
	w.closeOnce.Do(w.cancel)
}

// Done is closed once Run has returned.
func (w *Writer) Done() <-chan struct{} { return w.done }

// Err returns the write error that stopped Run, or nil if it was closed.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// ==================== Reader ====================

// ReadLoop reads one frame per Read call from dev and hands it to handle.
// The slice passed to handle is reused by the next read. ReadLoop returns
// nil once ctx is cancelled, otherwise the read error that stopped it.
func ReadLoop(ctx context.Context, dev io.Reader, mtu int, handle func(frame []byte)) error {
	buf := GetBuffer(mtu)
	defer PutBuffer(buf)

	for {
		n, err := dev.Read(*buf)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		handle((*buf)[:n])
	}
}
