package tts

import "context"

// Engine synthesizes speech for one text, streaming 48kHz PCM mono.
// Both channels close when synthesis finishes or the context is cancelled.
type Engine interface {
	StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// Sink consumes 48kHz PCM bytes and performs delivery (e.g. Opus encode to
// a WebRTC track). Reset drops queued audio immediately for interruption.
type Sink interface {
	WritePCM(pcm []byte)
	FlushTail()
	Reset()
}

// NopSink discards audio; used when no transport is attached.
type NopSink struct{}

func (NopSink) WritePCM([]byte) {}
func (NopSink) FlushTail()      {}
func (NopSink) Reset()          {}
