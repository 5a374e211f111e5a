// Package pcap writes classic libpcap capture streams of Ethernet frames.
package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"
)

// LinkTypeEthernet is the DLT value for Ethernet captures.
const LinkTypeEthernet uint32 = 1

// DefaultSnapLen captures whole frames including an 802.1Q tag.
const DefaultSnapLen = 1522

const (
	magicMicroseconds = 0xa1b2c3d4
	versionMajor      = 2
	versionMinor      = 4
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("pcap: writer closed")

// Writer emits a capture stream. The global header is written by
// NewWriter; frames may then be written from any goroutine.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	snapLen uint32
	now     func() time.Time
	closed  bool

	frames uint64
	err    error
}

// NewWriter writes the global header to out and returns a writer that
// truncates frames to snapLen bytes. A zero snapLen uses DefaultSnapLen.
func NewWriter(out io.Writer, snapLen uint32) (*Writer, error) {
	if snapLen == 0 {
		snapLen = DefaultSnapLen
	}
	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magicMicroseconds)
	binary.LittleEndian.PutUint16(hdr[4:6], versionMajor)
	binary.LittleEndian.PutUint16(hdr[6:8], versionMinor)
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], LinkTypeEthernet)
	if _, err := out.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: write header: %w", err)
	}
	return &Writer{w: out, snapLen: snapLen, now: time.Now}, nil
}

// WriteFrame records frame with the current time.
func (w *Writer) WriteFrame(frame []byte) error {
	return w.WriteFrameAt(w.now(), frame)
}

// WriteFrameAt records frame with the given timestamp. After the first
// write error every later write returns it.
func (w *Writer) WriteFrameAt(ts time.Time, frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.err != nil {
		return w.err
	}

	var sec, usec uint32
	if !ts.IsZero() {
		s := ts.Unix()
		if s < 0 || s > math.MaxUint32 {
			return fmt.Errorf("pcap: timestamp %v out of range", ts)
		}
		sec = uint32(s)
		usec = uint32(ts.Nanosecond() / 1_000)
	}
	capLen := min(uint32(len(frame)), w.snapLen)

	var rec [16]byte
	binary.LittleEndian.PutUint32(rec[0:4], sec)
	binary.LittleEndian.PutUint32(rec[4:8], usec)
	binary.LittleEndian.PutUint32(rec[8:12], capLen)
	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(frame)))
	if _, err := w.w.Write(rec[:]); err != nil {
		w.err = fmt.Errorf("pcap: write record header: %w", err)
		return w.err
	}
	if _, err := w.w.Write(frame[:capLen]); err != nil {
		w.err = fmt.Errorf("pcap: write frame: %w", err)
		return w.err
	}
	w.frames++
	return nil
}

// Frames is the number of frames written.
func (w *Writer) Frames() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Close stops the writer and closes the underlying stream if it is an
// io.Closer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if c, ok := w.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
