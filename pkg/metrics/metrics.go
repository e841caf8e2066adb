//pkg/metrics/metrics.go
package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Process-wide counters. Gauges (active*) go up and down, everything else only grows.
var (
	framesIn           int64
	framesOut          int64
	malformedFrames    int64
	unsupportedFrames  int64
	droppedFrames      int64
	bytesUp            int64
	bytesDown          int64
	activeTCPSessions  int64
	totalTCPSessions   int64
	activeUDPSessions  int64
	totalUDPSessions   int64
	activeAssociations int64
	rejectedSessions   int64
	connectErrors      int64
	evictions          int64
	resetsSent         int64
	startTime          = time.Now()
)

func IncrFramesIn()               { atomic.AddInt64(&framesIn, 1) }
func IncrFramesOut()              { atomic.AddInt64(&framesOut, 1) }
func IncrMalformed()              { atomic.AddInt64(&malformedFrames, 1) }
func IncrUnsupported()            { atomic.AddInt64(&unsupportedFrames, 1) }
func IncrDropped()                { atomic.AddInt64(&droppedFrames, 1) }
func AddBytesUp(n int64)          { atomic.AddInt64(&bytesUp, n) }
func AddBytesDown(n int64)        { atomic.AddInt64(&bytesDown, n) }
func IncrRejected()               { atomic.AddInt64(&rejectedSessions, 1) }
func IncrConnectError()           { atomic.AddInt64(&connectErrors, 1) }
func IncrEvictions()              { atomic.AddInt64(&evictions, 1) }
func IncrResetsSent()             { atomic.AddInt64(&resetsSent, 1) }
func IncrActiveAssociations()     { atomic.AddInt64(&activeAssociations, 1) }
func DecrActiveAssociations()     { atomic.AddInt64(&activeAssociations, -1) }
func DecrActiveTCPSessions()      { atomic.AddInt64(&activeTCPSessions, -1) }
func DecrActiveUDPSessions()      { atomic.AddInt64(&activeUDPSessions, -1) }

func IncrTCPSessions() {
	atomic.AddInt64(&activeTCPSessions, 1)
	atomic.AddInt64(&totalTCPSessions, 1)
}

func IncrUDPSessions() {
	atomic.AddInt64(&activeUDPSessions, 1)
	atomic.AddInt64(&totalUDPSessions, 1)
}

// Stats is a point-in-time snapshot of all counters.
type Stats struct {
	Uptime             time.Duration `json:"uptime"`
	FramesIn           int64         `json:"frames_in"`
	FramesOut          int64         `json:"frames_out"`
	MalformedFrames    int64         `json:"malformed_frames"`
	UnsupportedFrames  int64         `json:"unsupported_frames"`
	DroppedFrames      int64         `json:"dropped_frames"`
	BytesUp            int64         `json:"bytes_up"`
	BytesDown          int64         `json:"bytes_down"`
	ActiveTCPSessions  int64         `json:"active_tcp_sessions"`
	TotalTCPSessions   int64         `json:"total_tcp_sessions"`
	ActiveUDPSessions  int64         `json:"active_udp_sessions"`
	TotalUDPSessions   int64         `json:"total_udp_sessions"`
	ActiveAssociations int64         `json:"active_associations"`
	RejectedSessions   int64         `json:"rejected_sessions"`
	ConnectErrors      int64         `json:"connect_errors"`
	Evictions          int64         `json:"evictions"`
	ResetsSent         int64         `json:"resets_sent"`
}

func GetStats() Stats {
	return Stats{
		Uptime:             time.Since(startTime),
		FramesIn:           atomic.LoadInt64(&framesIn),
		FramesOut:          atomic.LoadInt64(&framesOut),
		MalformedFrames:    atomic.LoadInt64(&malformedFrames),
		UnsupportedFrames:  atomic.LoadInt64(&unsupportedFrames),
		DroppedFrames:      atomic.LoadInt64(&droppedFrames),
		BytesUp:            atomic.LoadInt64(&bytesUp),
		BytesDown:          atomic.LoadInt64(&bytesDown),
		ActiveTCPSessions:  atomic.LoadInt64(&activeTCPSessions),
		TotalTCPSessions:   atomic.LoadInt64(&totalTCPSessions),
		ActiveUDPSessions:  atomic.LoadInt64(&activeUDPSessions),
		TotalUDPSessions:   atomic.LoadInt64(&totalUDPSessions),
		ActiveAssociations: atomic.LoadInt64(&activeAssociations),
		RejectedSessions:   atomic.LoadInt64(&rejectedSessions),
		ConnectErrors:      atomic.LoadInt64(&connectErrors),
		Evictions:          atomic.LoadInt64(&evictions),
		ResetsSent:         atomic.LoadInt64(&resetsSent),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf(
		"Uptime: %v | TCP: %d/%d | UDP: %d/%d (assoc %d) | Up: %s | Down: %s | Frames: %d in/%d out | Dropped: %d | Errors: %d",
		s.Uptime.Round(time.Second),
		s.ActiveTCPSessions, s.TotalTCPSessions,
		s.ActiveUDPSessions, s.TotalUDPSessions, s.ActiveAssociations,
		formatBytes(s.BytesUp), formatBytes(s.BytesDown),
		s.FramesIn, s.FramesOut,
		s.DroppedFrames+s.MalformedFrames+s.UnsupportedFrames,
		s.ConnectErrors+s.RejectedSessions,
	)
}

type promMetric struct {
	name  string
	kind  string
	help  string
	value float64
}

// ExportPrometheus renders all counters in the Prometheus text exposition format.
func ExportPrometheus() string {
	s := GetStats()
	list := []promMetric{
		{"tunsocks_uptime_seconds", "gauge", "Engine uptime in seconds", s.Uptime.Seconds()},
		{"tunsocks_frames_in_total", "counter", "Frames read from the interface", float64(s.FramesIn)},
		{"tunsocks_frames_out_total", "counter", "Frames written to the interface", float64(s.FramesOut)},
		{"tunsocks_malformed_frames_total", "counter", "Frames dropped as malformed", float64(s.MalformedFrames)},
		{"tunsocks_unsupported_frames_total", "counter", "Frames dropped for an unsupported protocol", float64(s.UnsupportedFrames)},
		{"tunsocks_dropped_frames_total", "counter", "Frames dropped for any other reason", float64(s.DroppedFrames)},
		{"tunsocks_bytes_up_total", "counter", "Payload bytes sent to the proxy", float64(s.BytesUp)},
		{"tunsocks_bytes_down_total", "counter", "Payload bytes received from the proxy", float64(s.BytesDown)},
		{"tunsocks_active_tcp_sessions", "gauge", "Current TCP sessions", float64(s.ActiveTCPSessions)},
		{"tunsocks_tcp_sessions_total", "counter", "TCP sessions created", float64(s.TotalTCPSessions)},
		{"tunsocks_active_udp_sessions", "gauge", "Current UDP sessions", float64(s.ActiveUDPSessions)},
		{"tunsocks_udp_sessions_total", "counter", "UDP sessions created", float64(s.TotalUDPSessions)},
		{"tunsocks_active_associations", "gauge", "Open SOCKS5 UDP associations", float64(s.ActiveAssociations)},
		{"tunsocks_rejected_sessions_total", "counter", "Sessions rejected because the table was full", float64(s.RejectedSessions)},
		{"tunsocks_connect_errors_total", "counter", "Failed proxy negotiations", float64(s.ConnectErrors)},
		{"tunsocks_evictions_total", "counter", "Sessions evicted for inactivity", float64(s.Evictions)},
		{"tunsocks_resets_sent_total", "counter", "TCP resets synthesized towards the host", float64(s.ResetsSent)},
	}

	var b strings.Builder
	for i, m := range list {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n%s %.0f\n", m.name, m.help, m.name, m.kind, m.name, m.value)
	}
	return b.String()
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// Reset zeroes every counter. Tests only.
func Reset() {
	for _, p := range []*int64{
		&framesIn, &framesOut, &malformedFrames, &unsupportedFrames, &droppedFrames,
		&bytesUp, &bytesDown, &activeTCPSessions, &totalTCPSessions, &activeUDPSessions,
		&totalUDPSessions, &activeAssociations, &rejectedSessions, &connectErrors,
		&evictions, &resetsSent,
	} {
		atomic.StoreInt64(p, 0)
	}
}
