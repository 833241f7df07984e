// Command tether-bench drives an in-process tether server with concurrent
// echo clients that periodically drop their connection and recover the
// session, then reports round-trip and recover latencies.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-dev/tether/pkg/client"
	"github.com/vango-dev/tether/pkg/echo"
	"github.com/vango-dev/tether/pkg/server"
	"github.com/vango-dev/tether/pkg/transport"
)

type profile struct {
	Name         string
	Clients      int
	Duration     time.Duration
	RPS          float64
	RecoverEvery int
	PayloadBytes int
}

var profiles = map[string]profile{
	"fast": {
		Name:         "fast",
		Clients:      20,
		Duration:     5 * time.Second,
		RPS:          10,
		RecoverEvery: 10,
		PayloadBytes: 32,
	},
	"standard": {
		Name:         "standard",
		Clients:      200,
		Duration:     30 * time.Second,
		RPS:          20,
		RecoverEvery: 50,
		PayloadBytes: 64,
	},
	"stress": {
		Name:         "stress",
		Clients:      1000,
		Duration:     60 * time.Second,
		RPS:          50,
		RecoverEvery: 25,
		PayloadBytes: 256,
	},
}

type benchConfig struct {
	Profile      string
	Transport    string
	Clients      int
	Duration     time.Duration
	RPS          float64
	RecoverEvery int
	PayloadBytes int
	JSONOutput   string
}

type benchCounters struct {
	sessions     atomic.Uint64
	roundTrips   atomic.Uint64
	recovers     atomic.Uint64
	connectFails atomic.Uint64
	echoFails    atomic.Uint64
	recoverFails atomic.Uint64
}

type samples struct {
	mu       sync.Mutex
	echo     []time.Duration
	recovers []time.Duration
}

func (s *samples) addEcho(d time.Duration) {
	s.mu.Lock()
	s.echo = append(s.echo, d)
	s.mu.Unlock()
}

func (s *samples) addRecover(d time.Duration) {
	s.mu.Lock()
	s.recovers = append(s.recovers, d)
	s.mu.Unlock()
}

func main() {
	log.SetFlags(0)

	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	report, err := runBench(context.Background(), cfg)
	if err != nil {
		log.Fatal(err)
	}

	writeSummary(os.Stderr, report)
	if err := writeJSON(cfg.JSONOutput, report); err != nil {
		log.Fatalf("write json: %v", err)
	}
}

func parseConfig(args []string) (benchConfig, error) {
	fs := flag.NewFlagSet("tether-bench", flag.ContinueOnError)
	profileFlag := fs.String("profile", "fast", "profile: fast|standard|stress")
	transportFlag := fs.String("transport", "tcp", "transport: tcp|websocket")
	clientsFlag := fs.Int("clients", -1, "number of concurrent sessions")
	durationFlag := fs.Duration("duration", 0, "benchmark duration, e.g. 30s")
	rpsFlag := fs.Float64("rps", -1, "round trips per second per client")
	recoverFlag := fs.Int("recover-every", -1, "reconnect after this many round trips (0 disables)")
	payloadFlag := fs.Int("payload-bytes", -1, "bytes per echo frame")
	jsonFlag := fs.String("json", "-", "JSON output path ('-' for stdout)")
	if err := fs.Parse(args); err != nil {
		return benchConfig{}, err
	}

	name := strings.ToLower(strings.TrimSpace(*profileFlag))
	base, ok := profiles[name]
	if !ok {
		return benchConfig{}, fmt.Errorf("unknown profile %q", name)
	}

	cfg := benchConfig{
		Profile:      base.Name,
		Transport:    *transportFlag,
		Clients:      base.Clients,
		Duration:     base.Duration,
		RPS:          base.RPS,
		RecoverEvery: base.RecoverEvery,
		PayloadBytes: base.PayloadBytes,
		JSONOutput:   strings.TrimSpace(*jsonFlag),
	}
	if *clientsFlag != -1 {
		cfg.Clients = *clientsFlag
	}
	if *durationFlag != 0 {
		cfg.Duration = *durationFlag
	}
	if *rpsFlag != -1 {
		cfg.RPS = *rpsFlag
	}
	if *recoverFlag != -1 {
		cfg.RecoverEvery = *recoverFlag
	}
	if *payloadFlag != -1 {
		cfg.PayloadBytes = *payloadFlag
	}
	if cfg.JSONOutput == "" {
		cfg.JSONOutput = "-"
	}

	switch {
	case cfg.Transport != "tcp" && cfg.Transport != "websocket":
		return benchConfig{}, fmt.Errorf("unknown transport %q", cfg.Transport)
	case cfg.Clients <= 0:
		return benchConfig{}, errors.New("-clients must be > 0")
	case cfg.Duration <= 0:
		return benchConfig{}, errors.New("-duration must be > 0")
	case cfg.RPS <= 0:
		return benchConfig{}, errors.New("-rps must be > 0")
	case cfg.RecoverEvery < 0:
		return benchConfig{}, errors.New("-recover-every must be >= 0")
	case cfg.PayloadBytes <= 0:
		return benchConfig{}, errors.New("-payload-bytes must be > 0")
	}
	return cfg, nil
}

type benchTransport interface {
	transport.Transport
	Listen() error
}

// startServer starts an echo server on loopback and returns a dialer for it.
func startServer(cfg benchConfig) (*server.Server, client.DialFunc, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var tr benchTransport
	var dial client.DialFunc
	if cfg.Transport == "websocket" {
		ws := transport.NewWebSocket("127.0.0.1:0", transport.WithBacklog(cfg.Clients))
		if err := ws.Listen(); err != nil {
			return nil, nil, err
		}
		url := "ws://" + ws.Addr().String() + transport.DefaultWebSocketPath
		tr = ws
		dial = func(ctx context.Context) (transport.Conn, error) {
			return transport.DialWebSocket(ctx, url)
		}
	} else {
		tcp := transport.NewTCP("127.0.0.1:0")
		if err := tcp.Listen(); err != nil {
			return nil, nil, err
		}
		addr := tcp.Addr().String()
		tr = tcp
		dial = func(ctx context.Context) (transport.Conn, error) {
			return transport.DialTCP(ctx, addr)
		}
	}

	scfg := server.DefaultServerConfig().
		WithKey([]byte("tether-bench")).
		WithHandler(echo.Handler(logger))
	scfg.Logger = logger
	return server.New(tr, scfg), dial, nil
}

func runBench(ctx context.Context, cfg benchConfig) (benchReport, error) {
	srv, dial, err := startServer(cfg)
	if err != nil {
		return benchReport{}, fmt.Errorf("listen: %w", err)
	}
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	var counters benchCounters
	var s samples

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(cfg.Clients)
	for i := 0; i < cfg.Clients; i++ {
		go func(i int) {
			defer wg.Done()
			runClient(ctx, dial, i, cfg, &counters, &s)
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	stats := srv.Stats()
	_ = srv.Close()
	if err := <-runErr; err != nil {
		return benchReport{}, fmt.Errorf("server: %w", err)
	}

	return buildReport(cfg, elapsed, &counters, &s, stats), nil
}

func runClient(
	ctx context.Context,
	dial client.DialFunc,
	clientID int,
	cfg benchConfig,
	counters *benchCounters,
	s *samples,
) {
	c := client.New(dial)
	defer c.Close()

	if _, err := c.Connect(ctx); err != nil {
		if ctx.Err() == nil {
			counters.connectFails.Add(1)
		}
		return
	}
	counters.sessions.Add(1)

	payload := makePayload(clientID, cfg.PayloadBytes)
	period := time.Duration(float64(time.Second) / cfg.RPS)
	var n int

	for ctx.Err() == nil {
		start := time.Now()
		if err := echo.RoundTrip(ctx, c.Conn(), payload); err != nil {
			if ctx.Err() == nil {
				counters.echoFails.Add(1)
			}
			return
		}
		s.addEcho(time.Since(start))
		counters.roundTrips.Add(1)
		n++

		if cfg.RecoverEvery > 0 && n%cfg.RecoverEvery == 0 {
			rstart := time.Now()
			if err := c.Reconnect(ctx); err != nil {
				if ctx.Err() == nil {
					counters.recoverFails.Add(1)
				}
				return
			}
			s.addRecover(time.Since(rstart))
			counters.recovers.Add(1)
		}

		if sleep := period - time.Since(start); sleep > 0 {
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

func makePayload(clientID, size int) []byte {
	p := []byte(fmt.Sprintf("c%d:", clientID))
	for len(p) < size {
		p = append(p, 'x')
	}
	return p
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

type benchReport struct {
	Version    string             `json:"version"`
	Run        runInfo            `json:"run"`
	Workload   workloadInfo       `json:"workload"`
	EchoMS     latencyInfo        `json:"echo_ms"`
	RecoverMS  latencyInfo        `json:"recover_ms"`
	Throughput throughputInfo     `json:"throughput"`
	Errors     errorInfo          `json:"errors"`
	Server     server.ServerStats `json:"server"`
}

type runInfo struct {
	Timestamp string `json:"timestamp"`
	Go        string `json:"go"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	CPUCount  int    `json:"cpu_count"`
}

type workloadInfo struct {
	Profile      string  `json:"profile"`
	Transport    string  `json:"transport"`
	Clients      int     `json:"clients"`
	DurationMS   int64   `json:"duration_ms"`
	RPSPerClient float64 `json:"rps_per_client"`
	RecoverEvery int     `json:"recover_every"`
	PayloadBytes int     `json:"payload_bytes"`
}

type latencyInfo struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Max   float64 `json:"max"`
}

type throughputInfo struct {
	Sessions         uint64  `json:"sessions"`
	RoundTrips       uint64  `json:"round_trips"`
	RoundTripsPerSec float64 `json:"round_trips_per_sec"`
	Recovers         uint64  `json:"recovers"`
}

type errorInfo struct {
	Total        uint64 `json:"total"`
	ConnectFails uint64 `json:"connect_failures"`
	EchoFails    uint64 `json:"echo_failures"`
	RecoverFails uint64 `json:"recover_failures"`
}

func summarize(d []time.Duration) latencyInfo {
	if len(d) == 0 {
		return latencyInfo{}
	}
	sorted := append([]time.Duration(nil), d...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return latencyInfo{
		Count: len(sorted),
		Min:   ms(sorted[0]),
		P50:   ms(percentile(sorted, 0.50)),
		P95:   ms(percentile(sorted, 0.95)),
		P99:   ms(percentile(sorted, 0.99)),
		Max:   ms(sorted[len(sorted)-1]),
	}
}

func buildReport(cfg benchConfig, elapsed time.Duration, counters *benchCounters, s *samples, stats server.ServerStats) benchReport {
	s.mu.Lock()
	echoLatency := summarize(s.echo)
	recoverLatency := summarize(s.recovers)
	s.mu.Unlock()

	roundTrips := counters.roundTrips.Load()
	errs := errorInfo{
		ConnectFails: counters.connectFails.Load(),
		EchoFails:    counters.echoFails.Load(),
		RecoverFails: counters.recoverFails.Load(),
	}
	errs.Total = errs.ConnectFails + errs.EchoFails + errs.RecoverFails

	return benchReport{
		Version: "1",
		Run: runInfo{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Go:        runtime.Version(),
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			CPUCount:  runtime.NumCPU(),
		},
		Workload: workloadInfo{
			Profile:      cfg.Profile,
			Transport:    cfg.Transport,
			Clients:      cfg.Clients,
			DurationMS:   cfg.Duration.Milliseconds(),
			RPSPerClient: cfg.RPS,
			RecoverEvery: cfg.RecoverEvery,
			PayloadBytes: cfg.PayloadBytes,
		},
		EchoMS:    echoLatency,
		RecoverMS: recoverLatency,
		Throughput: throughputInfo{
			Sessions:         counters.sessions.Load(),
			RoundTrips:       roundTrips,
			RoundTripsPerSec: float64(roundTrips) / math.Max(0.001, elapsed.Seconds()),
			Recovers:         counters.recovers.Load(),
		},
		Errors: errs,
		Server: stats,
	}
}

func writeSummary(w io.Writer, report benchReport) {
	fmt.Fprintln(w, "=== Tether Session Benchmark ===")
	fmt.Fprintf(w, "Profile: %s (%s)\n", report.Workload.Profile, report.Workload.Transport)
	fmt.Fprintf(w, "Clients: %d\n", report.Workload.Clients)
	fmt.Fprintf(w, "Duration: %s\n", time.Duration(report.Workload.DurationMS)*time.Millisecond)
	fmt.Fprintf(w, "Target per-client rate: %.2f round trips/s\n", report.Workload.RPSPerClient)
	fmt.Fprintf(w, "Recover every: %d round trips\n", report.Workload.RecoverEvery)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Sessions: %d\n", report.Throughput.Sessions)
	fmt.Fprintf(w, "Round trips: %d (%.1f/s)\n", report.Throughput.RoundTrips, report.Throughput.RoundTripsPerSec)
	fmt.Fprintf(w, "Recovers: %d\n", report.Throughput.Recovers)
	fmt.Fprintf(w, "Errors: %d\n", report.Errors.Total)
	fmt.Fprintln(w)

	writeLatency(w, "Echo RTT", report.EchoMS)
	writeLatency(w, "Recover (dial + resume)", report.RecoverMS)
}

func writeLatency(w io.Writer, title string, l latencyInfo) {
	if l.Count == 0 {
		fmt.Fprintf(w, "%s: no samples\n\n", title)
		return
	}
	fmt.Fprintf(w, "%s (%d samples):\n", title, l.Count)
	fmt.Fprintf(w, "  min: %.2f ms\n", l.Min)
	fmt.Fprintf(w, "  p50: %.2f ms\n", l.P50)
	fmt.Fprintf(w, "  p95: %.2f ms\n", l.P95)
	fmt.Fprintf(w, "  p99: %.2f ms\n", l.P99)
	fmt.Fprintf(w, "  max: %.2f ms\n", l.Max)
	fmt.Fprintln(w)
}

func writeJSON(path string, report benchReport) error {
	var out io.Writer
	if path == "-" {
		out = os.Stdout
	} else {
		file, err := os.Create(path)
		if err != nil {
			return err
		}
		defer file.Close()
		out = file
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
