package stt

import (
	"encoding/binary"
	"sync/atomic"
	"testing"
	"time"
)

func TestTrackVoiceActivity_LoudFrameUpdatesWindow(t *testing.T) {
	s := NewService("test")
	samples := make([]byte, 160*2)
	for i := 0; i < 160; i++ {
		binary.LittleEndian.PutUint16(samples[i*2:(i+1)*2], 3000)
	}
	s.trackVoiceActivity(samples)
	if !s.RecentlyDetectedVoice(time.Second) {
		t.Fatalf("expected voice to be detected for a loud frame")
	}
}

func TestTrackVoiceActivity_QuietFrameIgnored(t *testing.T) {
	s := NewService("test")
	samples := make([]byte, 160*2) // silence
	s.trackVoiceActivity(samples)
	if s.RecentlyDetectedVoice(time.Second) {
		t.Fatalf("silence must not register as voice")
	}
}

func TestService_UnsupportedWithoutKey(t *testing.T) {
	s := NewService("")
	if s.IsSupported() {
		t.Fatalf("expected unsupported without api key")
	}
}

func TestService_StopWhileNotListeningIsNoop(t *testing.T) {
	var ends int32
	s := NewService("test")
	s.ev = Events{OnEnd: func() { atomic.AddInt32(&ends, 1) }}
	s.Stop()
	s.Stop()
	if atomic.LoadInt32(&ends) != 0 {
		t.Fatalf("stop without a started utterance must emit no end event")
	}
}

func TestService_SilenceFinalizeEmitsFinalThenEnd(t *testing.T) {
	s := NewService("test")
	var (
		finals int32
		ends   int32
		text   atomic.Value
	)
	// emulate a started capture without a live socket
	s.listening = true
	s.stopCh = make(chan struct{})
	s.ev = Events{
		OnUpdate: func(u Update) {
			if u.Final {
				atomic.AddInt32(&finals, 1)
				text.Store(u.Text)
			}
		},
		OnEnd: func() { atomic.AddInt32(&ends, 1) },
	}

	s.handleMessage([]byte(`{"type":"Turn","transcript":"하늘이 어때"}`))
	s.finish(false)
	s.finish(false) // idempotent

	if atomic.LoadInt32(&finals) != 1 {
		t.Fatalf("expected exactly one final update, got %d", finals)
	}
	if atomic.LoadInt32(&ends) != 1 {
		t.Fatalf("expected exactly one end event, got %d", ends)
	}
	if got, _ := text.Load().(string); got != "하늘이 어때" {
		t.Fatalf("final text mismatch: %q", got)
	}
	if s.Listening() {
		t.Fatalf("expected not listening after finalize")
	}
}
