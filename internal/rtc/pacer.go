package rtc

import (
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3/pkg/media"
)

const (
	pacedFrameSamples = 960 // 20ms at 48kHz mono
	pacedInterval     = 20 * time.Millisecond
)

// sampleWriter is the slice of the outbound track the pacer needs.
type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// PacedWriter encodes 48kHz mono PCM to Opus and delivers one 20ms frame per
// tick to the outbound track, so read-back audio arrives at real-time rate no
// matter how fast the synthesizer produces it. It is the delivery sink for
// the speech-output engine; Reset discards everything queued so an
// interrupted utterance goes silent immediately.
type PacedWriter struct {
	enc    *opus.Encoder
	out    sampleWriter
	frames chan []byte
	stop   chan struct{}

	mu      sync.Mutex
	pending []int16
	stopped bool
}

// NewPacedWriter starts the pacing loop against the given track.
func NewPacedWriter(out sampleWriter) (*PacedWriter, error) {
	enc, err := opus.NewEncoder(48000, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := &PacedWriter{
		enc:    enc,
		out:    out,
		frames: make(chan []byte, 512),
		stop:   make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// WritePCM appends little-endian 48kHz mono samples and encodes every
// complete 20ms frame.
func (w *PacedWriter) WritePCM(pcm []byte) {
	if len(pcm) < 2 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		w.pending = append(w.pending, int16(uint16(pcm[2*i])|uint16(pcm[2*i+1])<<8))
	}
	w.encodeFullFramesLocked()
}

func (w *PacedWriter) encodeFullFramesLocked() {
	buf := make([]byte, 4000)
	for len(w.pending) >= pacedFrameSamples {
		w.encodeFrameLocked(w.pending[:pacedFrameSamples], buf)
		w.pending = w.pending[pacedFrameSamples:]
	}
}

func (w *PacedWriter) encodeFrameLocked(frame []int16, buf []byte) {
	n, err := w.enc.Encode(frame, buf)
	if err != nil || n == 0 {
		return
	}
	pkt := make([]byte, n)
	copy(pkt, buf[:n])
	w.enqueue(pkt)
}

// FlushTail pads any partial frame and appends a short silence so the last
// syllable is not clipped by the decoder.
func (w *PacedWriter) FlushTail() {
	w.mu.Lock()
	defer w.mu.Unlock()
	buf := make([]byte, 4000)
	if len(w.pending) > 0 {
		padded := make([]int16, pacedFrameSamples)
		copy(padded, w.pending)
		w.pending = w.pending[:0]
		w.encodeFrameLocked(padded, buf)
	}
	silence := make([]int16, pacedFrameSamples)
	for i := 0; i < 10; i++ {
		w.encodeFrameLocked(silence, buf)
	}
}

// Reset drops buffered samples and every queued frame.
func (w *PacedWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = w.pending[:0]
	for {
		select {
		case <-w.frames:
		default:
			return
		}
	}
}

// Close stops the pacing loop. Safe to call repeatedly.
func (w *PacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stop)
	}
	w.mu.Unlock()
}

func (w *PacedWriter) enqueue(pkt []byte) {
	select {
	case <-w.stop:
	case w.frames <- pkt:
	}
}

func (w *PacedWriter) loop() {
	ticker := time.NewTicker(pacedInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.out.WriteSample(media.Sample{Data: frame, Duration: pacedInterval})
			default:
			}
		}
	}
}
