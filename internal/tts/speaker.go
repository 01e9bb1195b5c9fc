package tts

import (
	"context"
	"log"
	"sync"
)

// Events report utterance transitions. OnEnd fires only for an utterance
// that played to completion; a superseded or stopped utterance is silent.
type Events struct {
	OnStart func()
	OnEnd   func()
	OnError func(err error)
}

// Speaker plays at most one utterance at a time. Speak is last-call-wins:
// a new call cancels whatever is playing before starting, which is the right
// policy for read-back where the user always wants the latest information.
type Speaker struct {
	engine Engine
	sink   Sink
	ev     Events

	mu     sync.Mutex
	cancel context.CancelFunc
	gen    int
}

// NewSpeaker wires an engine to a sink. A nil sink discards audio.
func NewSpeaker(engine Engine, sink Sink, ev Events) *Speaker {
	if sink == nil {
		sink = NopSink{}
	}
	return &Speaker{engine: engine, sink: sink, ev: ev}
}

// Speaking reports whether an utterance is currently active.
func (sp *Speaker) Speaking() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.cancel != nil
}

// Speak cancels any current utterance and starts the new one.
func (sp *Speaker) Speak(text string) {
	if text == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())

	sp.mu.Lock()
	if sp.cancel != nil {
		sp.cancel()
		sp.sink.Reset()
	}
	sp.cancel = cancel
	sp.gen++
	gen := sp.gen
	sp.mu.Unlock()

	if sp.ev.OnStart != nil {
		sp.ev.OnStart()
	}
	go sp.play(ctx, gen, text)
}

// Stop cancels the current utterance, if any. Idempotent.
func (sp *Speaker) Stop() {
	sp.mu.Lock()
	cancel := sp.cancel
	sp.cancel = nil
	sp.mu.Unlock()
	if cancel != nil {
		cancel()
		sp.sink.Reset()
	}
}

func (sp *Speaker) play(ctx context.Context, gen int, text string) {
	pcmCh, errCh := sp.engine.StreamPCM48k(ctx, text)
	var engineErr error
	openPCM, openErr := true, true
	for openPCM || openErr {
		select {
		case b, ok := <-pcmCh:
			if !ok {
				openPCM = false
				continue
			}
			if len(b) > 0 && ctx.Err() == nil {
				sp.sink.WritePCM(b)
			}
		case e, ok := <-errCh:
			if !ok {
				openErr = false
				continue
			}
			if e != nil {
				engineErr = e
			}
		case <-ctx.Done():
			openPCM, openErr = false, false
		}
	}

	interrupted := ctx.Err() != nil

	sp.mu.Lock()
	current := sp.gen == gen
	if current && sp.cancel != nil {
		sp.cancel = nil
	}
	sp.mu.Unlock()

	if !current || interrupted {
		// A later Speak or a Stop won; this utterance reports nothing.
		return
	}
	sp.sink.FlushTail()
	if engineErr != nil {
		log.Printf("tts: utterance error: %v", engineErr)
		if sp.ev.OnError != nil {
			sp.ev.OnError(engineErr)
		}
		return
	}
	if sp.ev.OnEnd != nil {
		sp.ev.OnEnd()
	}
}
