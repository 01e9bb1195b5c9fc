package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeCamera struct {
	mu       sync.Mutex
	acquired int32
	released int32
	openErr  error
	frameErr error
	onChunk  func([]byte)
	open     bool
}

func (f *fakeCamera) Open(ctx context.Context) error {
	if f.openErr != nil {
		return f.openErr
	}
	atomic.AddInt32(&f.acquired, 1)
	f.mu.Lock()
	f.open = true
	f.mu.Unlock()
	return nil
}

func (f *fakeCamera) Frame(ctx context.Context) (Artifact, error) {
	if f.frameErr != nil {
		return Artifact{}, f.frameErr
	}
	return Artifact{Mime: "image/jpeg", Data: []byte{0xff, 0xd8}}, nil
}

func (f *fakeCamera) StartClip(onChunk func([]byte)) error {
	f.mu.Lock()
	f.onChunk = onChunk
	f.mu.Unlock()
	return nil
}

func (f *fakeCamera) StopClip() string {
	f.mu.Lock()
	f.onChunk = nil
	f.mu.Unlock()
	return "video/webm"
}

func (f *fakeCamera) Close() {
	f.mu.Lock()
	wasOpen := f.open
	f.open = false
	f.mu.Unlock()
	if wasOpen {
		atomic.AddInt32(&f.released, 1)
	}
}

func (f *fakeCamera) emit(chunk []byte) {
	f.mu.Lock()
	cb := f.onChunk
	f.mu.Unlock()
	if cb != nil {
		cb(chunk)
	}
}

// manualTicker lets tests drive the per-second recording clock.
func manualTicker() (chan time.Time, func() (<-chan time.Time, func())) {
	ch := make(chan time.Time, MaxClipSeconds+2)
	return ch, func() (<-chan time.Time, func()) { return ch, func() {} }
}

func TestDevice_NoLeakedStreamsAcrossSequences(t *testing.T) {
	cam := &fakeCamera{}
	dev := NewDevice(cam, Events{})
	ctx := context.Background()

	// open/close
	if err := dev.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	dev.Close()
	// open/snapshot (snapshot closes)
	if err := dev.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := dev.Snapshot(ctx); err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	// open/record/stop (stop closes)
	if err := dev.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := dev.StartRecording(); err != nil {
		t.Fatalf("record: %v", err)
	}
	if !dev.StopRecording() {
		t.Fatalf("expected stop to finalize")
	}
	// double close is a no-op
	dev.Close()
	dev.Close()

	if dev.Active() {
		t.Fatalf("expected idle device")
	}
	acq, rel := atomic.LoadInt32(&cam.acquired), atomic.LoadInt32(&cam.released)
	if acq != rel {
		t.Fatalf("stream leak: acquired=%d released=%d", acq, rel)
	}
	if acq != 3 {
		t.Fatalf("expected 3 acquisitions, got %d", acq)
	}
}

func TestDevice_OpenFailureLeavesStateUnchanged(t *testing.T) {
	cam := &fakeCamera{openErr: errors.New("permission denied")}
	dev := NewDevice(cam, Events{})
	err := dev.Open(context.Background())
	var de *DeviceError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeviceError, got %v", err)
	}
	if dev.Active() {
		t.Fatalf("expected device to stay closed on denial")
	}
	if atomic.LoadInt32(&cam.acquired) != 0 {
		t.Fatalf("no tracks may be held after a failed open")
	}
}

func TestDevice_SnapshotWithoutCameraIsNotReady(t *testing.T) {
	dev := NewDevice(&fakeCamera{}, Events{})
	if _, err := dev.Snapshot(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if dev.Active() {
		t.Fatalf("state must remain idle")
	}
}

func TestDevice_RecordingAutoStopsAtCeiling(t *testing.T) {
	cam := &fakeCamera{}
	var clips int32
	var clip Artifact
	var clipMu sync.Mutex
	dev := NewDevice(cam, Events{OnClip: func(a Artifact) {
		atomic.AddInt32(&clips, 1)
		clipMu.Lock()
		clip = a
		clipMu.Unlock()
	}})
	ticks, factory := manualTicker()
	dev.newTicker = factory

	if err := dev.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := dev.StartRecording(); err != nil {
		t.Fatalf("record: %v", err)
	}
	cam.emit([]byte{1, 2})
	cam.emit([]byte{3})

	for i := 0; i < MaxClipSeconds; i++ {
		ticks <- time.Now()
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && dev.Recording() {
		time.Sleep(2 * time.Millisecond)
	}

	if dev.Recording() {
		t.Fatalf("expected recording to auto-stop on the 10th tick")
	}
	if got := atomic.LoadInt32(&clips); got != 1 {
		t.Fatalf("expected exactly one clip, got %d", got)
	}
	clipMu.Lock()
	defer clipMu.Unlock()
	if clip.Kind != KindVideo {
		t.Fatalf("expected video artifact, got %q", clip.Kind)
	}
	if string(clip.Data) != "\x01\x02\x03" {
		t.Fatalf("chunks not concatenated in order: %v", clip.Data)
	}
	if dev.Elapsed() != 0 {
		t.Fatalf("elapsed counter must reset, got %d", dev.Elapsed())
	}
}

func TestDevice_StopRecordingIdempotent(t *testing.T) {
	cam := &fakeCamera{}
	var clips int32
	dev := NewDevice(cam, Events{OnClip: func(Artifact) { atomic.AddInt32(&clips, 1) }})
	if err := dev.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := dev.StartRecording(); err != nil {
		t.Fatalf("record: %v", err)
	}
	if !dev.StopRecording() {
		t.Fatalf("first stop should finalize")
	}
	if dev.StopRecording() {
		t.Fatalf("second stop must be a no-op")
	}
	if got := atomic.LoadInt32(&clips); got != 1 {
		t.Fatalf("expected one clip, got %d", got)
	}
}

func TestArtifact_DataURI(t *testing.T) {
	a := Artifact{Kind: KindImage, Mime: "image/jpeg", Data: []byte("hi")}
	if got := a.DataURI(); got != "data:image/jpeg;base64,aGk=" {
		t.Fatalf("unexpected data uri: %s", got)
	}
}
