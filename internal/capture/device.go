package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// MaxClipSeconds is the hard wall-clock ceiling for one recording. The count
// is inclusive: the clip finalizes upon entering the 10th second.
const MaxClipSeconds = 10

// ErrNotReady is returned when a frame is requested without an active camera.
var ErrNotReady = errors.New("capture: no active frame")

// DeviceError wraps a camera acquisition or hardware failure.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string { return fmt.Sprintf("capture: %s: %v", e.Op, e.Err) }
func (e *DeviceError) Unwrap() error { return e.Err }

// Camera is the platform backend that holds the physical stream. The
// production implementation lives in internal/rtc (the browser-remote
// camera); tests supply fakes.
type Camera interface {
	// Open acquires the stream, preferring a rear-facing device. It must be
	// all-or-nothing: on error no tracks may remain acquired.
	Open(ctx context.Context) error
	// Frame captures the current video frame as an encoded still image.
	Frame(ctx context.Context) (Artifact, error)
	// StartClip begins delivering encoded media chunks to onChunk.
	StartClip(onChunk func(chunk []byte)) error
	// StopClip ends chunk delivery and reports the clip container mime.
	StopClip() string
	// Close releases every acquired track. Must be safe to call repeatedly.
	Close()
}

// Events are the callbacks a Device owner wires up. Any field may be nil.
type Events struct {
	// OnElapsed reports recording progress once per second.
	OnElapsed func(seconds int)
	// OnClip delivers the finalized clip whenever a recording stops, whether
	// by user action or by the ceiling.
	OnClip func(a Artifact)
}

// Device owns the camera lifecycle: open, snapshot, bounded recording, close.
// Exactly one stream may be open at a time and Close is reachable from every
// sub-state, so acquire/release always balance.
type Device struct {
	cam Camera
	ev  Events
	// newTicker is swapped in tests for a simulated per-second tick source.
	newTicker func() (<-chan time.Time, func())

	mu      sync.Mutex
	open    bool
	rec     *recording
	elapsed int
}

type recording struct {
	chunks [][]byte
	stop   chan struct{}
}

// NewDevice constructs a Device over the given camera backend.
func NewDevice(cam Camera, ev Events) *Device {
	return &Device{
		cam: cam,
		ev:  ev,
		newTicker: func() (<-chan time.Time, func()) {
			t := time.NewTicker(time.Second)
			return t.C, t.Stop
		},
	}
}

// Active reports whether the camera stream is currently open.
func (d *Device) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// Recording reports whether a clip is being captured.
func (d *Device) Recording() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rec != nil
}

// Elapsed returns the in-progress recording time in whole seconds.
func (d *Device) Elapsed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.elapsed
}

// Open acquires the camera. On failure nothing is held and the device stays
// in its prior state.
func (d *Device) Open(ctx context.Context) error {
	d.mu.Lock()
	if d.open {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	if err := d.cam.Open(ctx); err != nil {
		return &DeviceError{Op: "open", Err: err}
	}

	d.mu.Lock()
	d.open = true
	d.mu.Unlock()
	return nil
}

// Snapshot captures the current frame as a still image and closes the camera.
// It fails with ErrNotReady when no active frame exists.
func (d *Device) Snapshot(ctx context.Context) (Artifact, error) {
	d.mu.Lock()
	if !d.open || d.rec != nil {
		d.mu.Unlock()
		return Artifact{}, ErrNotReady
	}
	d.mu.Unlock()

	a, err := d.cam.Frame(ctx)
	if err != nil {
		// The stream stays open; the caller may retry or close.
		return Artifact{}, fmt.Errorf("%w: %v", ErrNotReady, err)
	}
	a.Kind = KindImage
	d.Close()
	return a, nil
}

// StartRecording begins buffering encoded chunks and starts the per-second
// elapsed counter. The recording finalizes automatically at the ceiling.
func (d *Device) StartRecording() error {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return ErrNotReady
	}
	if d.rec != nil {
		d.mu.Unlock()
		return fmt.Errorf("capture: already recording")
	}
	rec := &recording{stop: make(chan struct{})}
	d.rec = rec
	d.elapsed = 0
	d.mu.Unlock()

	if err := d.cam.StartClip(func(chunk []byte) {
		d.mu.Lock()
		if d.rec == rec {
			b := make([]byte, len(chunk))
			copy(b, chunk)
			rec.chunks = append(rec.chunks, b)
		}
		d.mu.Unlock()
	}); err != nil {
		d.mu.Lock()
		d.rec = nil
		d.mu.Unlock()
		return &DeviceError{Op: "record", Err: err}
	}

	ticks, stopTicks := d.newTicker()
	go func() {
		defer stopTicks()
		for {
			select {
			case <-rec.stop:
				return
			case <-ticks:
				d.mu.Lock()
				if d.rec != rec {
					d.mu.Unlock()
					return
				}
				d.elapsed++
				n := d.elapsed
				d.mu.Unlock()
				if d.ev.OnElapsed != nil {
					d.ev.OnElapsed(n)
				}
				if n >= MaxClipSeconds {
					log.Printf("capture: recording ceiling reached, stopping")
					d.StopRecording()
					return
				}
			}
		}
	}()
	return nil
}

// StopRecording finalizes the buffered chunks into a single video artifact,
// closes the camera, and resets the elapsed counter. It is idempotent; when
// nothing is recording it reports false and does nothing.
func (d *Device) StopRecording() bool {
	d.mu.Lock()
	rec := d.rec
	if rec == nil {
		d.mu.Unlock()
		return false
	}
	d.rec = nil
	d.elapsed = 0
	close(rec.stop)
	d.mu.Unlock()

	mime := d.cam.StopClip()
	if mime == "" {
		mime = "video/webm"
	}

	d.mu.Lock()
	var total int
	for _, c := range rec.chunks {
		total += len(c)
	}
	data := make([]byte, 0, total)
	for _, c := range rec.chunks {
		data = append(data, c...)
	}
	d.mu.Unlock()

	d.Close()
	if d.ev.OnClip != nil {
		d.ev.OnClip(Artifact{Kind: KindVideo, Mime: mime, Data: data})
	}
	return true
}

// Close releases the camera from any sub-state. An in-progress recording is
// abandoned without producing an artifact. Safe to call repeatedly.
func (d *Device) Close() {
	d.mu.Lock()
	if rec := d.rec; rec != nil {
		d.rec = nil
		d.elapsed = 0
		close(rec.stop)
		d.mu.Unlock()
		d.cam.StopClip()
		d.mu.Lock()
	}
	wasOpen := d.open
	d.open = false
	d.mu.Unlock()
	if wasOpen {
		d.cam.Close()
	}
}
