package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tinyrange/hme/internal/config"
)

func TestSplit(t *testing.T) {
	frame := make([]byte, 100)
	for _, tt := range []struct {
		n    int
		want []int
	}{
		{1, []int{100}},
		{2, []int{50, 50}},
		{3, []int{34, 34, 32}},
		{7, []int{15, 15, 15, 15, 15, 15, 10}},
	} {
		got := split(frame, tt.n)
		if len(got) != len(tt.want) {
			t.Fatalf("split into %d: %d fragments", tt.n, len(got))
		}
		for i, f := range got {
			if len(f) != tt.want[i] {
				t.Fatalf("split into %d: fragment %d is %d bytes, want %d", tt.n, i, len(f), tt.want[i])
			}
		}
	}
}

func TestRunEcho(t *testing.T) {
	cfg := config.Default()
	cfg.Device.Tick = config.Duration(time.Millisecond)
	cfg.Traffic.Frames = 32
	cfg.Traffic.Size = 128
	cfg.Traffic.Frags = 2
	cfg.Pcap = filepath.Join(t.TempDir(), "run.pcap")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	res, err := run(ctx, cfg, io.Discard)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Link.LinkUp {
		t.Fatalf("link = %+v", res.Link)
	}
	if res.Sent != 32 || res.Adapter.TxPackets != 32 {
		t.Fatalf("sent %d, adapter tx %d", res.Sent, res.Adapter.TxPackets)
	}
	if res.Device.TxFrames != 32 {
		t.Fatalf("device saw %d frames", res.Device.TxFrames)
	}
	if res.Echoed == 0 {
		t.Fatalf("nothing echoed back: %+v", res)
	}

	info, err := os.Stat(cfg.Pcap)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() <= 24 {
		t.Fatalf("capture is %d bytes", info.Size())
	}

	var out bytes.Buffer
	res.print(&out)
	if !strings.Contains(out.String(), "sent     32 frames") {
		t.Fatalf("summary:\n%s", out.String())
	}
}

func TestRunCancelledBeforeLink(t *testing.T) {
	cfg := config.Default()
	cfg.Sim.Partner = &config.Partner{Unplugged: true}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := run(ctx, cfg, io.Discard)
	if err == nil {
		t.Fatal("run succeeded without a link")
	}
	if res == nil || res.Link.LinkUp || res.Sent != 0 {
		t.Fatalf("result = %+v", res)
	}
}
