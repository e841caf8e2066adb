// Package mobile exposes the engine to platform VPN services through a small
// gomobile-friendly surface: a descriptor in, plain types out.
package mobile

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"

	"tunsocks/internal/transport"
	"tunsocks/internal/tunnel"
	"tunsocks/pkg/config"
	plog "tunsocks/pkg/log"
	"tunsocks/pkg/metrics"
)

// ======================== Log callback ========================

// Logger receives log lines. level is 0 for info and below, 1 for warnings
// and errors.
type Logger interface {
	Log(level int, message string)
}

type logWriter struct{ l Logger }

func (w logWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	level := 0
	if strings.Contains(msg, "[WARN]") || strings.Contains(msg, "[ERROR]") {
		level = 1
	}
	w.l.Log(level, msg)
	return len(p), nil
}

// SetLogger routes all log output to l.
func SetLogger(l Logger) {
	if l == nil {
		return
	}
	plog.SetOutput(logWriter{l})
}

// SetLogLevel accepts debug, info, warn or error.
func SetLogLevel(level string) {
	plog.SetLevel(level)
}

// ======================== Socket protection ========================

// SocketProtector keeps a socket's traffic off the VPN interface, otherwise
// proxy traffic would loop back into the engine.
type SocketProtector interface {
	Protect(fd int) bool
}

var (
	protector   SocketProtector
	protectorMu sync.Mutex
)

// SetSocketProtector installs p for engines started afterwards.
func SetSocketProtector(p SocketProtector) {
	protectorMu.Lock()
	protector = p
	protectorMu.Unlock()
}

func protectedDialer(p SocketProtector) func(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{
		Control: func(network, address string, c syscall.RawConn) error {
			var ok bool
			if err := c.Control(func(fd uintptr) { ok = p.Protect(int(fd)) }); err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("protect %s socket to %s failed", network, address)
			}
			return nil
		},
	}
	return d.DialContext
}

// ======================== Engine ========================

var (
	engine   *tunnel.Engine
	engineMu sync.Mutex
)

// StartTun relays the interface behind fd through the SOCKS5 proxy at
// host:port. A running engine is replaced. The engine owns fd from here on
// and closes it on StopTun.
func StartTun(fd int, host string, port int, mtu int) error {
	return StartTunWithAuth(fd, host, port, "", "", mtu)
}

// StartTunWithAuth is StartTun with username/password proxy authentication.
func StartTunWithAuth(fd int, host string, port int, username, password string, mtu int) error {
	engineMu.Lock()
	defer engineMu.Unlock()

	stopLocked()

	if fd < 0 {
		return errors.New("invalid interface fd")
	}

	cfg := config.DefaultConfig()
	cfg.Tun.FD = fd
	if mtu > 0 {
		cfg.Tun.MTU = mtu
	}
	cfg.Proxy.Username = username
	cfg.Proxy.Password = password

	dev, err := transport.OpenFD(fd)
	if err != nil {
		return err
	}
	e, err := tunnel.New(dev, cfg)
	if err != nil {
		dev.Close()
		return err
	}

	protectorMu.Lock()
	p := protector
	protectorMu.Unlock()
	if p != nil {
		e.SetDialFunc(protectedDialer(p))
	} else {
		plog.Warn("[Mobile] no socket protector set, proxy traffic may loop through the interface")
	}

	if err := e.Start(host, port); err != nil {
		e.Stop()
		return err
	}
	engine = e
	return nil
}

// StopTun stops the running engine, if any, and waits for it to finish.
func StopTun() {
	engineMu.Lock()
	defer engineMu.Unlock()
	stopLocked()
}

func stopLocked() {
	if engine == nil {
		return
	}
	engine.Stop()
	engine = nil
}

// IsRunning reports whether an engine is relaying traffic. It turns false on
// its own when the interface fails.
func IsRunning() bool {
	engineMu.Lock()
	defer engineMu.Unlock()
	return engine != nil && engine.Running()
}

// ActiveSessions returns the live flow count of the running engine.
func ActiveSessions() int {
	engineMu.Lock()
	defer engineMu.Unlock()
	if engine == nil {
		return 0
	}
	return engine.Sessions()
}

// Stats returns the global counters as a human-readable block.
func Stats() string {
	return metrics.GetStats().String()
}
