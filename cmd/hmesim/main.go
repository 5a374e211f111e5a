// Command hmesim runs a Happy Meal adapter against the simulated
// controller, negotiates a link and pushes generated traffic through it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/tcpip"

	"github.com/tinyrange/hme/internal/config"
	"github.com/tinyrange/hme/internal/dma"
	"github.com/tinyrange/hme/internal/hme"
	"github.com/tinyrange/hme/internal/irq"
	"github.com/tinyrange/hme/internal/link"
	"github.com/tinyrange/hme/internal/pcap"
	"github.com/tinyrange/hme/internal/sim"
)

const (
	// Local experimental EtherType.
	etherType = 0x88b5

	irqNum      = 5
	echoBacklog = 256
	linkTimeout = 30 * time.Second
	drainWait   = 2 * time.Second
)

var peerMAC = tcpip.LinkAddress("\x08\x00\x20\xff\xff\xfe")

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", "", "YAML configuration file (defaults are used when empty)")
	initPath := fs.String("init", "", "Write the default configuration to this path and exit")
	frames := fs.Int("frames", -1, "Override the number of frames to send")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *initPath != "" {
		if err := config.Write(*initPath, config.Default()); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
	}
	if *frames >= 0 {
		cfg.Traffic.Frames = *frames
	}

	level, err := cfg.Level()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := run(ctx, cfg, os.Stderr)
	if res != nil {
		res.print(os.Stdout)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "hmesim: %v\n", err)
		os.Exit(1)
	}
}

// result summarizes one run.
type result struct {
	Link    link.Status
	Adapter hme.Stats
	Device  sim.Stats
	Sent    int
	Echoed  uint64
	Lost    uint64
	Elapsed time.Duration
}

func (r *result) print(w io.Writer) {
	fmt.Fprintf(w, "link     %s\n", linkString(r.Link))
	fmt.Fprintf(w, "sent     %d frames in %s\n", r.Sent, r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "tx       packets=%d bytes=%d dropped=%d\n", r.Adapter.TxPackets, r.Adapter.TxBytes, r.Adapter.TxDropped)
	fmt.Fprintf(w, "rx       packets=%d bytes=%d dropped=%d errors=%d\n", r.Adapter.RxPackets, r.Adapter.RxBytes, r.Adapter.RxDropped, r.Adapter.RxErrors)
	fmt.Fprintf(w, "echo     delivered=%d lost=%d\n", r.Echoed, r.Lost)
	fmt.Fprintf(w, "device   tx=%d rx=%d nodesc=%d filtered=%d\n", r.Device.TxFrames, r.Device.RxFrames, r.Device.RxNoDescriptor, r.Device.RxFiltered)
	fmt.Fprintf(w, "resets   %d (timeouts %d)\n", r.Adapter.Resets, r.Adapter.TxTimeouts)
}

func linkString(st link.Status) string {
	if !st.LinkUp {
		return fmt.Sprintf("down (%s)", st.State)
	}
	mode := "forced"
	if st.Autoneg {
		mode = "autoneg"
	}
	return fmt.Sprintf("up %dMbps %s duplex (%s)", st.Speed, st.Duplex, mode)
}

// countingStack stands in for a network stack: it counts what the
// adapter hands up and gives the buffers straight back.
type countingStack struct {
	packets atomic.Uint64
	bytes   atomic.Uint64
}

func (s *countingStack) Deliver(pkt *hme.RxPacket) {
	s.packets.Add(1)
	s.bytes.Add(uint64(len(pkt.Data)))
	pkt.Release()
}

// echoPeer sits on the far end of the wire and sends every frame back
// with its addresses swapped.
type echoPeer struct {
	dev  *sim.Device
	q    chan []byte
	lost atomic.Uint64
}

func (p *echoPeer) onTransmit(frame []byte) {
	select {
	case p.q <- sim.Reflect(frame):
	default:
		p.lost.Add(1)
	}
}

func (p *echoPeer) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-p.q:
			if err := p.dev.Receive(f); err != nil {
				p.lost.Add(1)
				slog.Debug("echo dropped", "err", err)
			}
		}
	}
}

func run(ctx context.Context, cfg config.Config, progress io.Writer) (*result, error) {
	log := slog.Default()

	acfg, err := cfg.Adapter(log)
	if err != nil {
		return nil, err
	}
	scfg, err := cfg.SimConfig()
	if err != nil {
		return nil, err
	}

	mmu := dma.NewIOMMU(0, 0)
	line := irq.NewLineSet().AllocateLine(irqNum)

	peer := &echoPeer{q: make(chan []byte, echoBacklog)}
	scfg.Line = line
	scfg.Log = log.With("dev", "sim")
	if cfg.Traffic.Echo {
		scfg.OnTransmit = peer.onTransmit
	}
	dev := sim.New(mmu, scfg)
	peer.dev = dev

	stack := &countingStack{}
	linkCh := make(chan struct{}, 1)
	acfg.Stack = stack
	acfg.OnLink = func(st link.Status) {
		if !st.LinkUp {
			return
		}
		select {
		case linkCh <- struct{}{}:
		default:
		}
	}

	if cfg.Pcap != "" {
		f, err := os.Create(cfg.Pcap)
		if err != nil {
			return nil, fmt.Errorf("create capture: %w", err)
		}
		defer f.Close()
		w, err := pcap.NewWriter(f, 0)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := w.Close(); err != nil {
				log.Warn("close capture", "err", err)
			}
			log.Info("capture written", "path", cfg.Pcap, "frames", w.Frames())
		}()
		acfg.Tap = w
	}

	a, err := hme.New(dev.Context(), mmu, line, acfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := a.Release(); err != nil {
			log.Warn("release adapter", "err", err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return dev.Run(gctx) })
	g.Go(func() error { return line.Run(gctx) })
	if cfg.Traffic.Echo {
		g.Go(func() error { return peer.run(gctx) })
	}
	if cfg.Metrics != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			hme.NewCollector(a),
			collectors.NewGoCollector(),
		)
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics, reg) })
	}

	// Sent frames accounted for: delivered, or lost on the way back.
	returned := func() uint64 {
		return stack.packets.Load() + peer.lost.Load() + a.Stats().RxDropped
	}
	res, err := drive(gctx, a, cfg, returned, linkCh, progress)
	if cerr := a.Close(); cerr != nil && !errors.Is(cerr, hme.ErrClosed) {
		log.Warn("close adapter", "err", cerr)
	}
	cancel()
	if gerr := g.Wait(); gerr != nil && !errors.Is(gerr, context.Canceled) && err == nil {
		err = gerr
	}
	if res != nil {
		res.Adapter = a.Stats()
		res.Device = dev.Stats()
		res.Echoed = stack.packets.Load()
		res.Lost = peer.lost.Load()
	}
	return res, err
}

// drive opens the adapter, waits for the link and sends the configured
// traffic.
func drive(ctx context.Context, a *hme.Adapter, cfg config.Config, returned func() uint64, linkCh <-chan struct{}, progress io.Writer) (*result, error) {
	log := slog.Default().With("dev", a.Name())
	res := &result{}

	if err := a.Open(); err != nil {
		return nil, err
	}
	log.Info("waiting for link", "request", cfg.Link.Mode)

	wait, cancel := context.WithTimeout(ctx, linkTimeout)
	defer cancel()
	select {
	case <-linkCh:
	case <-wait.Done():
		res.Link = a.LinkStatus()
		return res, fmt.Errorf("link did not come up: %w", wait.Err())
	}
	res.Link = a.LinkStatus()
	log.Info("link up", "link", linkString(res.Link))

	t := cfg.Traffic
	bar := progressbar.NewOptions(t.Frames,
		progressbar.OptionSetWriter(progress),
		progressbar.OptionSetDescription("tx"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	var completed atomic.Int64
	src := tcpip.LinkAddress(a.MAC())
	start := time.Now()
	for i := 0; i < t.Frames; i++ {
		payload := make([]byte, t.Size-14)
		for j := range payload {
			payload[j] = byte(i + j)
		}
		frame := sim.FrameFrom(peerMAC, src, etherType, payload)
		pkt := &hme.Packet{
			Frags: split(frame, t.Frags),
			Done:  func() { completed.Add(1) },
		}
		if err := send(ctx, a, pkt); err != nil {
			return res, fmt.Errorf("frame %d: %w", i, err)
		}
		res.Sent++
		_ = bar.Add(1)

		if t.Interval > 0 {
			select {
			case <-time.After(t.Interval.Duration()):
			case <-ctx.Done():
				return res, ctx.Err()
			}
		}
	}
	_ = bar.Finish()

	deadline := time.Now().Add(drainWait)
	for time.Now().Before(deadline) {
		done := completed.Load() == int64(res.Sent)
		if t.Echo {
			done = done && returned() >= uint64(res.Sent)
		}
		if done {
			break
		}
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

// send transmits p, waiting for room while the queue is stopped.
func send(ctx context.Context, a *hme.Adapter, p *hme.Packet) error {
	for {
		err := a.Transmit(p)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, hme.ErrBusy):
			if err := a.WaitTx(ctx); err != nil {
				return err
			}
		case errors.Is(err, hme.ErrNotReady):
			// A reset is in progress.
			select {
			case <-time.After(time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			return err
		}
	}
}

// split cuts frame into n fragments of roughly equal size.
func split(frame []byte, n int) [][]byte {
	if n <= 1 {
		return [][]byte{frame}
	}
	out := make([][]byte, 0, n)
	step := (len(frame) + n - 1) / n
	for len(frame) > 0 {
		k := min(step, len(frame))
		out = append(out, frame[:k])
		frame = frame[k:]
	}
	return out
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	slog.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
