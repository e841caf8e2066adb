//cmd/tunsocks/main.go
package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"tunsocks/internal/monitor"
	"tunsocks/internal/transport"
	"tunsocks/internal/tunnel"
	"tunsocks/pkg/config"
	plog "tunsocks/pkg/log"
	"tunsocks/pkg/metrics"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("c", "", "config file path")
	showVersion := flag.Bool("v", false, "print version")
	showStats := flag.Bool("stats", false, "print statistics on exit")

	proxyAddr := flag.String("proxy", "", "SOCKS5 proxy host:port")
	username := flag.String("user", "", "proxy username")
	password := flag.String("pass", "", "proxy password")
	tunName := flag.String("tun", "", "interface name to create")
	tunFD := flag.Int("fd", -1, "already-open interface descriptor")
	mtu := flag.Int("mtu", 0, "interface MTU")
	monitorAddr := flag.String("monitor", "", "monitor listen address, e.g. 127.0.0.1:9090")
	logLevel := flag.String("log", "", "log level (debug/info/warn/error)")

	flag.Parse()

	if *showVersion {
		fmt.Printf("tunsocks v%s\n", Version)
		fmt.Printf("  Build: %s\n", BuildTime)
		fmt.Printf("  Commit: %s\n", GitCommit)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		plog.Warn("Load config failed, using defaults: %v", err)
		cfg = config.DefaultConfig()
	}

	// Flags override the file.
	if *proxyAddr != "" {
		host, port, err := net.SplitHostPort(*proxyAddr)
		if err != nil {
			plog.Fatalf("Invalid -proxy %q: %v", *proxyAddr, err)
		}
		cfg.Proxy.Host = host
		if cfg.Proxy.Port, err = strconv.Atoi(port); err != nil {
			plog.Fatalf("Invalid -proxy port %q", port)
		}
	}
	if *username != "" {
		cfg.Proxy.Username = *username
		cfg.Proxy.Password = *password
	}
	if *tunName != "" {
		cfg.Tun.Name = *tunName
	}
	if *tunFD >= 0 {
		cfg.Tun.FD = *tunFD
	}
	if *mtu > 0 {
		cfg.Tun.MTU = *mtu
	}
	if *monitorAddr != "" {
		cfg.Monitor.Listen = *monitorAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		plog.Fatalf("Config validation failed: %v", err)
	}
	plog.SetLevel(cfg.LogLevel)

	dev, name, err := openInterface(cfg.Tun)
	if err != nil {
		plog.Fatalf("Open interface failed: %v", err)
	}

	engine, err := tunnel.New(dev, cfg)
	if err != nil {
		dev.Close()
		plog.Fatalf("Engine init failed: %v", err)
	}
	if err := engine.Start(cfg.Proxy.Host, cfg.Proxy.Port); err != nil {
		dev.Close()
		plog.Fatalf("Engine start failed: %v", err)
	}

	var mon *monitor.Server
	if cfg.Monitor.Listen != "" {
		mon = monitor.New(cfg.Monitor, func() monitor.Status {
			return monitor.Status{
				ID:       engine.ID,
				Running:  engine.Running(),
				Sessions: engine.Sessions(),
				Proxy:    cfg.Proxy.Addr(),
			}
		})
		if err := mon.Start(); err != nil {
			plog.Warn("Monitor disabled: %v", err)
			mon = nil
		}
	}

	printBanner(cfg, name, mon)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		plog.Info("Received %s, shutting down...", sig)
	case <-engine.Done():
		plog.Error("Engine stopped: %v", engine.Err())
	}

	if mon != nil {
		mon.Stop()
	}
	engine.Stop()

	if *showStats {
		printStats()
	}
	if engine.Err() != nil {
		os.Exit(1)
	}
}

// openInterface prefers a descriptor handed over by the caller and otherwise
// creates a TUN device.
func openInterface(cfg config.TunConfig) (io.ReadWriteCloser, string, error) {
	if cfg.FD >= 0 {
		dev, err := transport.OpenFD(cfg.FD)
		return dev, fmt.Sprintf("fd %d", cfg.FD), err
	}
	return createTUN(cfg.Name)
}

func printBanner(cfg *config.Config, iface string, mon *monitor.Server) {
	auth := "none"
	if cfg.Proxy.Username != "" {
		auth = "username/password"
	}
	transportMode := "tcp"
	if cfg.Proxy.TLS {
		transportMode = fmt.Sprintf("tls (%s)", cfg.Proxy.Fingerprint)
	}
	monAddr := "disabled"
	if mon != nil {
		monAddr = mon.Addr()
	}

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════╗")
	fmt.Printf("║              tunsocks v%-34s║\n", Version)
	fmt.Println("╠══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  Interface: %-44s ║\n", truncateString(iface, 44))
	fmt.Printf("║  MTU:       %-44d ║\n", cfg.Tun.MTU)
	fmt.Printf("║  Proxy:     %-44s ║\n", truncateString(cfg.Proxy.Addr(), 44))
	fmt.Printf("║  Auth:      %-44s ║\n", auth)
	fmt.Printf("║  Transport: %-44s ║\n", transportMode)
	fmt.Printf("║  Monitor:   %-44s ║\n", truncateString(monAddr, 44))
	fmt.Println("╠══════════════════════════════════════════════════════════╣")
	fmt.Println("║  Ctrl+C to stop  |  -stats prints statistics on exit     ║")
	fmt.Println("╚══════════════════════════════════════════════════════════╝")
	fmt.Println()
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func printStats() {
	stats := metrics.GetStats()
	fmt.Println()
	fmt.Println("══════════════════ Statistics ══════════════════")
	fmt.Println(stats.String())
	fmt.Println("════════════════════════════════════════════════")
}
