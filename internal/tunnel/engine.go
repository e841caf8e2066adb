//internal/tunnel/engine.go

// Package tunnel relays the TCP and UDP flows read from a virtual interface
// through a SOCKS5 proxy.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"tunsocks/internal/packet"
	"tunsocks/internal/session"
	"tunsocks/internal/socks5"
	"tunsocks/internal/transport"
	"tunsocks/pkg/config"
	plog "tunsocks/pkg/log"
	"tunsocks/pkg/metrics"
)

var ErrEngineStopped = errors.New("engine stopped")

// Engine owns the interface handle, the session table and every goroutine
// relaying traffic. Start and Stop are idempotent.
type Engine struct {
	ID string

	cfg    *config.Config
	dev    io.ReadWriteCloser
	enc    *packet.Encoder
	table  *session.Table
	writer *transport.Writer
	client *socks5.Client
	assocs *assocPool
	dial   socks5.DialFunc

	mu       sync.Mutex
	running  bool
	stopped  bool
	err      error
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
	done     chan struct{}

	log *plog.PrefixLogger
}

// New prepares an engine for dev. cfg is validated; a nil cfg means defaults.
func New(dev io.ReadWriteCloser, cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		ID:     uuid.NewString(),
		cfg:    cfg,
		dev:    dev,
		enc:    packet.NewEncoder(),
		writer: transport.NewWriter(dev, transport.DefaultWriteQueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		log:    plog.NewPrefixLogger("Engine"),
	}
	e.table = session.NewTable(session.Config{
		MaxSessions:       cfg.Session.MaxSessions,
		TCPIdle:           cfg.Session.TCPIdle,
		TCPHalfClosedIdle: cfg.Session.TCPHalfClosedIdle,
		UDPIdle:           cfg.Session.UDPIdle,
		ReapInterval:      cfg.Session.ReapInterval,
	})
	e.assocs = newAssocPool(e)
	return e, nil
}

// SetDialFunc overrides how proxy connections are dialed. Call before Start.
func (e *Engine) SetDialFunc(f socks5.DialFunc) {
	e.mu.Lock()
	e.dial = f
	e.mu.Unlock()
}

// Start begins relaying through the proxy at host:port. Calling Start on a
// running engine is a no-op; a stopped engine cannot be restarted.
func (e *Engine) Start(host string, port int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrEngineStopped
	}
	if e.running {
		return nil
	}

	if host != "" {
		e.cfg.Proxy.Host = host
	}
	if port != 0 {
		e.cfg.Proxy.Port = port
	}
	if err := e.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid proxy: %w", err)
	}

	e.client = socks5.NewClient(e.cfg.Proxy)
	e.client.SetDialFunc(e.dial)

	e.table.Start()
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.writer.Run()
		if err := e.writer.Err(); err != nil && e.ctx.Err() == nil {
			e.fail(fmt.Errorf("write interface: %w", err))
		}
	}()
	go e.readLoop()

	e.running = true
	e.log.Info("started %s via %s (mtu %d)", e.ID, e.client.ProxyAddr(), e.cfg.Tun.MTU)
	return nil
}

// Stop tears everything down: sessions, proxy connections, associations and
// the interface handle. It returns once every goroutine has exited.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		wasRunning := e.running
		e.running = false
		e.mu.Unlock()

		e.cancel()
		e.table.CloseAll(session.ReasonShutdown)
		e.assocs.closeAll()
		e.writer.Close()
		if err := e.dev.Close(); err != nil && !transport.IsClosedError(err) {
			e.log.Warn("close interface: %v", err)
		}
		e.table.Stop()
		e.wg.Wait()
		close(e.done)

		if wasRunning {
			e.log.Info("stopped %s", e.ID)
		}
	})
	<-e.done
}

// Running reports whether the engine is relaying traffic.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Done is closed once the engine has fully stopped, by Stop or by a fatal
// interface error.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err returns the interface error that stopped the engine, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Sessions returns the number of live flows.
func (e *Engine) Sessions() int { return e.table.Len() }

func (e *Engine) fail(err error) {
	e.mu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.mu.Unlock()
	e.log.Error("interface failure: %v", err)
	go e.Stop()
}

// ==================== Dispatch ====================

func (e *Engine) readLoop() {
	defer e.wg.Done()

	err := transport.ReadLoop(e.ctx, e.dev, e.cfg.Tun.MTU, e.handleFrame)
	if err != nil && e.ctx.Err() == nil {
		e.fail(fmt.Errorf("read interface: %w", err))
	}
}

func (e *Engine) handleFrame(frame []byte) {
	metrics.IncrFramesIn()

	p, err := packet.Decode(frame)
	if err != nil {
		if errors.Is(err, packet.ErrUnsupportedProtocol) || errors.Is(err, packet.ErrFragmented) {
			metrics.IncrUnsupported()
		} else {
			metrics.IncrMalformed()
			e.log.Debug("drop frame (%d bytes): %v", len(frame), err)
		}
		return
	}

	switch p.Protocol {
	case packet.TCP:
		e.handleTCP(p)
	case packet.UDP:
		e.handleUDP(p)
	}
}

// emit queues a synthesized frame, waiting for queue space.
func (e *Engine) emit(frame []byte) {
	if err := e.writer.Send(e.ctx, frame); err != nil {
		metrics.IncrDropped()
	}
}
