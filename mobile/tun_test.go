//go:build unix

package mobile

import (
	"net/netip"
	"slices"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"tunsocks/internal/packet"
	"tunsocks/internal/socks5/socks5test"
)

type countingProtector struct{ n atomic.Int32 }

func (p *countingProtector) Protect(fd int) bool {
	p.n.Add(1)
	return fd >= 0
}

type recordLogger struct{ levels []int }

func (l *recordLogger) Log(level int, message string) { l.levels = append(l.levels, level) }

// interfacePair returns a datagram socket pair: the engine end and the host end.
func interfacePair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() { syscall.Close(fds[1]) })
	return fds[0], fds[1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartTunRejectsBadFD(t *testing.T) {
	if err := StartTun(-1, "127.0.0.1", 1080, 1500); err == nil {
		t.Fatal("expected error for negative fd")
	}
	if IsRunning() {
		t.Error("engine running after failed start")
	}
}

func TestStartTunRelaysAndStops(t *testing.T) {
	srv := &socks5test.Server{}
	srv.Start(t)

	p := &countingProtector{}
	SetSocketProtector(p)
	t.Cleanup(func() { SetSocketProtector(nil) })

	fd, host := interfacePair(t)
	if err := StartTun(fd, srv.Host(), srv.Port(), 1400); err != nil {
		t.Fatalf("StartTun: %v", err)
	}
	t.Cleanup(StopTun)
	if !IsRunning() {
		t.Fatal("engine not running after StartTun")
	}

	key := packet.FlowKey{
		Proto: packet.UDP,
		Src:   netip.MustParseAddrPort("10.0.0.2:40000"),
		Dst:   netip.MustParseAddrPort("8.8.8.8:53"),
	}
	frame, err := packet.NewEncoder().UDP(key, packet.Outbound, []byte("query"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := syscall.Write(host, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	waitFor(t, "association", func() bool { return slices.Contains(srv.Requests(), "UDP") })
	waitFor(t, "protected sockets", func() bool { return p.n.Load() >= 2 })
	if n := ActiveSessions(); n != 1 {
		t.Errorf("sessions mismatch: got %d, want 1", n)
	}

	StopTun()
	if IsRunning() {
		t.Error("engine running after StopTun")
	}
	if n := ActiveSessions(); n != 0 {
		t.Errorf("sessions mismatch after stop: got %d, want 0", n)
	}
	StopTun()
}

func TestStartTunReplacesRunningEngine(t *testing.T) {
	srv := &socks5test.Server{}
	srv.Start(t)

	first, _ := interfacePair(t)
	if err := StartTun(first, srv.Host(), srv.Port(), 0); err != nil {
		t.Fatalf("first StartTun: %v", err)
	}
	engineMu.Lock()
	old := engine
	engineMu.Unlock()

	second, _ := interfacePair(t)
	if err := StartTun(second, srv.Host(), srv.Port(), 0); err != nil {
		t.Fatalf("second StartTun: %v", err)
	}
	t.Cleanup(StopTun)

	select {
	case <-old.Done():
	default:
		t.Error("previous engine still running")
	}
	if !IsRunning() {
		t.Error("replacement engine not running")
	}
}

func TestLogWriterLevels(t *testing.T) {
	l := &recordLogger{}
	w := logWriter{l}
	w.Write([]byte("2026/01/01 00:00:00 [INFO] started\n"))
	w.Write([]byte("2026/01/01 00:00:00 [WARN] slow\n"))
	w.Write([]byte("2026/01/01 00:00:00 [ERROR] failed\n"))

	if want := []int{0, 1, 1}; !slices.Equal(l.levels, want) {
		t.Errorf("levels mismatch: got %v, want %v", l.levels, want)
	}
}
