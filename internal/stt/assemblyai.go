package stt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// silenceThreshold is the inactivity window after the last transcript update
// before the utterance is considered complete.
const silenceThreshold = 900 * time.Millisecond

// Update is one transcript revision. Interim updates may be replaced by
// later ones; the final update carries the whole utterance.
type Update struct {
	Text  string
	Final bool
}

// Events are the listener's callbacks. Any field may be nil. OnEnd fires
// exactly once per started utterance, after the final update (or after Stop).
type Events struct {
	OnUpdate func(u Update)
	OnEnd    func()
	OnError  func(err error)
}

// Service captures a single utterance per Start over the AssemblyAI
// realtime WebSocket. Continuous mode is off: once silence ends the
// utterance the connection is torn down and the caller decides whether to
// re-arm.
type Service struct {
	apiKey string
	ev     Events

	mu        sync.Mutex
	conn      *websocket.Conn
	listening bool
	latest    string
	endTimer  *time.Timer
	stopCh    chan struct{}

	voiceMu       sync.Mutex
	lastVoiceTime time.Time
}

type turnMessage struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewService constructs the adapter. An empty key makes it unsupported.
func NewService(apiKey string) *Service {
	return &Service{apiKey: apiKey}
}

// IsSupported reports whether speech input is available at all.
func (s *Service) IsSupported() bool { return s.apiKey != "" }

// Listening reports whether an utterance capture is in progress.
func (s *Service) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

// Start opens the realtime connection and begins one utterance capture.
// Starting while already listening is a no-op.
func (s *Service) Start(ctx context.Context, ev Events) error {
	s.mu.Lock()
	if s.listening {
		s.mu.Unlock()
		return nil
	}
	if s.apiKey == "" {
		s.mu.Unlock()
		return fmt.Errorf("stt: no api key configured")
	}
	s.mu.Unlock()

	params := url.Values{}
	params.Set("sample_rate", "16000")
	params.Set("format_turns", "false")
	params.Set("encoding", "pcm_s16le")
	wsURL := fmt.Sprintf("wss://streaming.assemblyai.com/v3/ws?%s", params.Encode())

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, map[string][]string{"Authorization": {s.apiKey}})
	if err != nil {
		if resp != nil {
			log.Printf("stt: connect failed status=%d", resp.StatusCode)
		}
		return fmt.Errorf("stt: connect: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.listening = true
	s.latest = ""
	s.stopCh = make(chan struct{})
	s.ev = ev
	stopCh := s.stopCh
	s.mu.Unlock()

	go s.readLoop(conn, stopCh)
	return nil
}

// Stop ends the capture without waiting for silence. Stopping while not
// listening is a no-op. A final update is emitted for any pending text.
func (s *Service) Stop() {
	s.finish(true)
}

// SendPCM16KLE forwards 16kHz little-endian mono PCM to the recognizer.
// Audio sent while not listening is dropped silently.
func (s *Service) SendPCM16KLE(pcm []byte) error {
	s.trackVoiceActivity(pcm)
	s.mu.Lock()
	conn := s.conn
	listening := s.listening
	s.mu.Unlock()
	if !listening || conn == nil {
		return nil
	}
	return conn.WriteMessage(websocket.BinaryMessage, pcm)
}

// RecentlyDetectedVoice reports voice energy within the given window,
// regardless of listening state. The transport uses it to interrupt
// read-back when the user starts talking.
func (s *Service) RecentlyDetectedVoice(window time.Duration) bool {
	s.voiceMu.Lock()
	last := s.lastVoiceTime
	s.voiceMu.Unlock()
	return time.Since(last) <= window
}

func (s *Service) readLoop(conn *websocket.Conn, stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stopCh:
			default:
				s.fail(fmt.Errorf("stt: read: %w", err))
			}
			return
		}
		s.handleMessage(message)
	}
}

func (s *Service) handleMessage(message []byte) {
	var base map[string]interface{}
	if err := json.Unmarshal(message, &base); err != nil {
		return
	}
	switch base["type"] {
	case "Begin":
		log.Printf("stt: session began")
	case "Turn":
		var msg turnMessage
		if json.Unmarshal(message, &msg) != nil || msg.Transcript == "" {
			return
		}
		s.mu.Lock()
		if !s.listening {
			s.mu.Unlock()
			return
		}
		s.latest = msg.Transcript
		cb := s.ev.OnUpdate
		// restart the silence countdown on every revision
		if s.endTimer == nil {
			s.endTimer = time.AfterFunc(silenceThreshold, func() { s.finish(false) })
		} else {
			s.endTimer.Stop()
			s.endTimer.Reset(silenceThreshold)
		}
		s.mu.Unlock()
		if cb != nil {
			cb(Update{Text: msg.Transcript, Final: false})
		}
	case "Termination":
		s.finish(false)
	case "Error":
		var msg errorMessage
		_ = json.Unmarshal(message, &msg)
		s.fail(fmt.Errorf("stt: %s", msg.Error))
	}
}

// finish tears down the connection and reports the utterance end. It is
// idempotent; only the first call per Start has any effect.
func (s *Service) finish(byCaller bool) {
	s.mu.Lock()
	if !s.listening {
		s.mu.Unlock()
		return
	}
	s.listening = false
	text := s.latest
	conn := s.conn
	s.conn = nil
	if s.endTimer != nil {
		s.endTimer.Stop()
		s.endTimer = nil
	}
	close(s.stopCh)
	ev := s.ev
	s.mu.Unlock()

	if conn != nil {
		_ = conn.WriteJSON(map[string]string{"type": "Terminate"})
		_ = conn.Close()
	}
	if text != "" && ev.OnUpdate != nil {
		ev.OnUpdate(Update{Text: text, Final: true})
	}
	if !byCaller {
		log.Printf("stt: utterance ended after silence")
	}
	if ev.OnEnd != nil {
		ev.OnEnd()
	}
}

func (s *Service) fail(err error) {
	s.mu.Lock()
	if !s.listening {
		s.mu.Unlock()
		return
	}
	s.listening = false
	conn := s.conn
	s.conn = nil
	if s.endTimer != nil {
		s.endTimer.Stop()
		s.endTimer = nil
	}
	close(s.stopCh)
	ev := s.ev
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	log.Printf("stt: terminal error: %v", err)
	if ev.OnError != nil {
		ev.OnError(err)
	}
}

// trackVoiceActivity keeps a rough RMS-based voice timestamp from raw PCM.
func (s *Service) trackVoiceActivity(pcm []byte) {
	const minSamples = 160 // 10ms at 16kHz
	if len(pcm) < minSamples*2 {
		return
	}
	step := 2
	if len(pcm) > 3200 {
		step = 4
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 * step {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return
	}
	const voiceRMS = 250.0
	if math.Sqrt(sumSquares/float64(count)) >= voiceRMS {
		s.voiceMu.Lock()
		s.lastVoiceTime = time.Now()
		s.voiceMu.Unlock()
	}
}
