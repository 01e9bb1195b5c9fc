package rtc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type fakeChannel struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeChannel) SendText(s string) error {
	f.mu.Lock()
	f.texts = append(f.texts, s)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Send(data []byte) error { return nil }

func (f *fakeChannel) commands(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var cmds []string
	for _, s := range f.texts {
		var c cameraCommand
		if err := json.Unmarshal([]byte(s), &c); err != nil {
			t.Fatalf("bad command json %q: %v", s, err)
		}
		cmds = append(cmds, c.Cmd)
	}
	return cmds
}

func TestRemoteCamera_OpenWaitsForAck(t *testing.T) {
	ch := &fakeChannel{}
	cam := NewRemoteCamera()
	cam.Bind(ch)

	errCh := make(chan error, 1)
	go func() { errCh <- cam.Open(context.Background()) }()

	// wait until the command went out, then ack
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(ch.commands(t)) > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	cam.HandleText([]byte(`{"event":"opened"}`))

	if err := <-errCh; err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := ch.commands(t); len(got) != 1 || got[0] != "open" {
		t.Fatalf("unexpected commands: %v", got)
	}
	// a second open is a no-op
	if err := cam.Open(context.Background()); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := ch.commands(t); len(got) != 1 {
		t.Fatalf("reopen must not send a command, got %v", got)
	}
}

func TestRemoteCamera_OpenRefusedSurfacesError(t *testing.T) {
	ch := &fakeChannel{}
	cam := NewRemoteCamera()
	cam.Bind(ch)

	errCh := make(chan error, 1)
	go func() { errCh <- cam.Open(context.Background()) }()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(ch.commands(t)) > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	cam.HandleText([]byte(`{"event":"error","message":"permission denied"}`))

	if err := <-errCh; err == nil {
		t.Fatalf("expected refusal error")
	}
}

func TestRemoteCamera_FrameDeliversTaggedStill(t *testing.T) {
	ch := &fakeChannel{}
	cam := NewRemoteCamera()
	cam.Bind(ch)
	cam.opened = true

	type result struct {
		data []byte
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		a, err := cam.Frame(context.Background())
		resCh <- result{a.Data, err}
	}()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(ch.commands(t)) > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	cam.HandleBinary([]byte{mediaTagStill, 0xAA, 0xBB})

	res := <-resCh
	if res.err != nil {
		t.Fatalf("frame: %v", res.err)
	}
	if len(res.data) != 2 || res.data[0] != 0xAA || res.data[1] != 0xBB {
		t.Fatalf("unexpected frame payload: %v", res.data)
	}
}

func TestRemoteCamera_ClipChunksRouteToCallback(t *testing.T) {
	ch := &fakeChannel{}
	cam := NewRemoteCamera()
	cam.Bind(ch)
	cam.opened = true

	var mu sync.Mutex
	var chunks [][]byte
	if err := cam.StartClip(func(c []byte) {
		mu.Lock()
		chunks = append(chunks, c)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("start clip: %v", err)
	}
	cam.HandleText([]byte(`{"event":"recording","mime":"video/webm;codecs=vp8"}`))
	cam.HandleBinary([]byte{mediaTagChunk, 0x01})
	cam.HandleBinary([]byte{mediaTagChunk, 0x02})

	mime := cam.StopClip()
	if mime != "video/webm;codecs=vp8" {
		t.Fatalf("unexpected clip mime %q", mime)
	}
	mu.Lock()
	n := len(chunks)
	mu.Unlock()
	if n != 2 {
		t.Fatalf("expected 2 chunks, got %d", n)
	}
	// chunks after stop are dropped
	cam.HandleBinary([]byte{mediaTagChunk, 0x03})
	mu.Lock()
	n = len(chunks)
	mu.Unlock()
	if n != 2 {
		t.Fatalf("chunk delivered after stop")
	}
}

func TestRemoteCamera_UnboundCommandsFail(t *testing.T) {
	cam := NewRemoteCamera()
	if err := cam.Open(context.Background()); err == nil {
		t.Fatalf("expected error before bind")
	}
	// Close without a channel must not panic
	cam.Close()
}
