package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chadiek/vision-demo/internal/capture"
)

// The media data channel carries JSON commands toward the browser and two
// kinds of frames back: a tagged still image and tagged recorder chunks.
const (
	mediaTagStill = 0x01
	mediaTagChunk = 0x02
)

const cameraCmdTimeout = 8 * time.Second

var errMediaChannelClosed = errors.New("rtc: media channel not open")

// mediaSender is the outbound half of a data channel.
type mediaSender interface {
	SendText(s string) error
	Send(data []byte) error
}

type cameraCommand struct {
	Cmd string `json:"cmd"`
}

type cameraEvent struct {
	Event   string `json:"event"`
	Mime    string `json:"mime,omitempty"`
	Message string `json:"message,omitempty"`
}

// RemoteCamera drives the browser's camera over the media data channel. The
// browser holds the actual tracks; this side only commands it and receives
// encoded frames, so the capture state machine runs entirely in the service.
type RemoteCamera struct {
	mu       sync.Mutex
	send     mediaSender
	opened   bool
	ack      chan cameraEvent
	frame    chan []byte
	onChunk  func([]byte)
	clipMime string
}

// NewRemoteCamera returns an unbound camera. Commands fail until Bind.
func NewRemoteCamera() *RemoteCamera {
	return &RemoteCamera{}
}

// Bind attaches the open media channel.
func (r *RemoteCamera) Bind(s mediaSender) {
	r.mu.Lock()
	r.send = s
	r.mu.Unlock()
}

func (r *RemoteCamera) command(cmd string) error {
	r.mu.Lock()
	s := r.send
	r.mu.Unlock()
	if s == nil {
		return errMediaChannelClosed
	}
	b, _ := json.Marshal(cameraCommand{Cmd: cmd})
	return s.SendText(string(b))
}

// Open asks the browser to acquire the camera and waits for its ack. The
// browser is expected to prefer the rear-facing device.
func (r *RemoteCamera) Open(ctx context.Context) error {
	r.mu.Lock()
	if r.opened {
		r.mu.Unlock()
		return nil
	}
	ack := make(chan cameraEvent, 1)
	r.ack = ack
	r.mu.Unlock()

	if err := r.command("open"); err != nil {
		return err
	}
	select {
	case ev := <-ack:
		if ev.Event != "opened" {
			return fmt.Errorf("rtc: camera open refused: %s", ev.Message)
		}
		r.mu.Lock()
		r.opened = true
		r.ack = nil
		r.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(cameraCmdTimeout):
		return errors.New("rtc: camera open timed out")
	}
}

// Frame requests the current still image and waits for the tagged payload.
func (r *RemoteCamera) Frame(ctx context.Context) (capture.Artifact, error) {
	r.mu.Lock()
	if !r.opened {
		r.mu.Unlock()
		return capture.Artifact{}, errMediaChannelClosed
	}
	frame := make(chan []byte, 1)
	r.frame = frame
	r.mu.Unlock()

	if err := r.command("frame"); err != nil {
		return capture.Artifact{}, err
	}
	select {
	case data := <-frame:
		return capture.Artifact{Kind: capture.KindImage, Mime: "image/jpeg", Data: data}, nil
	case <-ctx.Done():
		return capture.Artifact{}, ctx.Err()
	case <-time.After(cameraCmdTimeout):
		return capture.Artifact{}, errors.New("rtc: frame capture timed out")
	}
}

// StartClip tells the browser's recorder to start; chunks flow to onChunk
// until StopClip or Close.
func (r *RemoteCamera) StartClip(onChunk func(chunk []byte)) error {
	r.mu.Lock()
	if !r.opened {
		r.mu.Unlock()
		return errMediaChannelClosed
	}
	r.onChunk = onChunk
	r.clipMime = ""
	r.mu.Unlock()
	return r.command("record-start")
}

// StopClip ends chunk delivery and reports the recorder's container mime.
func (r *RemoteCamera) StopClip() string {
	if err := r.command("record-stop"); err != nil {
		log.Printf("rtc: record-stop failed: %v", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChunk = nil
	if r.clipMime == "" {
		return "video/webm"
	}
	return r.clipMime
}

// Close releases the browser camera. Safe to call repeatedly and after the
// channel is gone.
func (r *RemoteCamera) Close() {
	if err := r.command("close"); err != nil && !errors.Is(err, errMediaChannelClosed) {
		log.Printf("rtc: camera close failed: %v", err)
	}
	r.mu.Lock()
	r.opened = false
	r.ack = nil
	r.frame = nil
	r.onChunk = nil
	r.mu.Unlock()
}

// HandleText routes a JSON event from the browser.
func (r *RemoteCamera) HandleText(data []byte) {
	var ev cameraEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	switch ev.Event {
	case "opened", "error":
		r.mu.Lock()
		ack := r.ack
		r.ack = nil
		r.mu.Unlock()
		if ack != nil {
			ack <- ev
		} else if ev.Event == "error" {
			log.Printf("rtc: camera reported error: %s", ev.Message)
		}
	case "recording":
		r.mu.Lock()
		r.clipMime = ev.Mime
		r.mu.Unlock()
	}
}

// HandleBinary routes a tagged media frame from the browser.
func (r *RemoteCamera) HandleBinary(data []byte) {
	if len(data) < 2 {
		return
	}
	tag, payload := data[0], data[1:]
	switch tag {
	case mediaTagStill:
		r.mu.Lock()
		frame := r.frame
		r.frame = nil
		r.mu.Unlock()
		if frame != nil {
			b := make([]byte, len(payload))
			copy(b, payload)
			frame <- b
		}
	case mediaTagChunk:
		r.mu.Lock()
		onChunk := r.onChunk
		r.mu.Unlock()
		if onChunk != nil {
			b := make([]byte, len(payload))
			copy(b, payload)
			onChunk(b)
		}
	}
}
