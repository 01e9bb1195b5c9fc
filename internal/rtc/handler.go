package rtc

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chadiek/vision-demo/internal/answer"
	"github.com/chadiek/vision-demo/internal/capture"
	"github.com/chadiek/vision-demo/internal/session"
	"github.com/chadiek/vision-demo/internal/stt"
	"github.com/chadiek/vision-demo/internal/tts"
	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3"
)

// Handler builds one assistive session per peer connection: the browser's
// mic feeds speech input, the browser's camera is driven remotely over the
// media channel, and read-back audio returns on a paced Opus track.
type Handler struct {
	visionBaseURL string
	language      string

	assemblyAIKey string
	ttsProvider   string
	deepgramKey   string
	deepgramModel string
	elevenKey     string
	elevenVoice   string
}

func NewHandler(visionBaseURL, language string) *Handler {
	return &Handler{visionBaseURL: visionBaseURL, language: language}
}

func (h *Handler) WithSTT(assemblyAIKey string) *Handler {
	h.assemblyAIKey = assemblyAIKey
	return h
}

func (h *Handler) WithTTS(provider, deepgramKey, deepgramModel, elevenKey, elevenVoice string) *Handler {
	h.ttsProvider = provider
	h.deepgramKey, h.deepgramModel = deepgramKey, deepgramModel
	h.elevenKey, h.elevenVoice = elevenKey, elevenVoice
	return h
}

func (h *Handler) newEngine() tts.Engine {
	if strings.EqualFold(h.ttsProvider, "elevenlabs") && h.elevenKey != "" {
		return tts.NewElevenLabsEngine(h.elevenKey, h.elevenVoice)
	}
	return tts.NewDeepgramEngine(h.deepgramKey, h.deepgramModel)
}

// listenAdapter pre-binds the recognizer's event sinks so the session only
// sees start/stop.
type listenAdapter struct {
	svc *stt.Service
	ev  stt.Events
}

func (a *listenAdapter) IsSupported() bool               { return a.svc.IsSupported() }
func (a *listenAdapter) Start(ctx context.Context) error { return a.svc.Start(ctx, a.ev) }
func (a *listenAdapter) Stop()                           { a.svc.Stop() }

// askAdapter narrows the streaming client to the session-facing interface.
type askAdapter struct{ c *answer.Client }

func (a askAdapter) Ask(ctx context.Context, art capture.Artifact, question, language string) session.AnswerStream {
	return a.c.Ask(ctx, art, question, language)
}

func (a askAdapter) Describe(ctx context.Context, art capture.Artifact, language string) session.AnswerStream {
	return a.c.Describe(ctx, art, language)
}

// controlMessage is a browser command on the control channel.
type controlMessage struct {
	Cmd      string `json:"cmd"`
	Question string `json:"question,omitempty"`
	Mime     string `json:"mime,omitempty"`
	Data     string `json:"data,omitempty"`
}

type historyEntry struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// stateEvent mirrors the session view toward the browser.
type stateEvent struct {
	Type      string         `json:"type"`
	State     string         `json:"state"`
	MediaKind string         `json:"mediaKind,omitempty"`
	Question  string         `json:"question,omitempty"`
	Streamed  string         `json:"streamed,omitempty"`
	Error     string         `json:"error,omitempty"`
	Loading   bool           `json:"loading"`
	Speaking  bool           `json:"speaking"`
	Listening bool           `json:"listening"`
	Recording bool           `json:"recording"`
	Elapsed   int            `json:"elapsed,omitempty"`
	History   []historyEntry `json:"history"`
}

func pushState(sessionID string, dc *webrtc.DataChannel, v session.View) {
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	ev := stateEvent{
		Type:      "state",
		State:     string(v.State),
		MediaKind: string(v.MediaKind),
		Question:  v.Question,
		Streamed:  v.Streamed,
		Error:     v.Err,
		Loading:   v.Loading,
		Speaking:  v.Speaking,
		Listening: v.Listening,
		Recording: v.Recording,
		Elapsed:   v.Elapsed,
		History:   make([]historyEntry, 0, len(v.History)),
	}
	for _, e := range v.History {
		ev.History = append(ev.History, historyEntry{Role: string(e.Role), Text: e.Text, At: e.At})
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := dc.SendText(string(b)); err != nil {
		log.Printf("[%s] state push failed: %v", sessionID, err)
	}
}

// attachSession wires the media plumbing and the session controller to an
// answered peer connection.
func (h *Handler) attachSession(sessionID string, pc *webrtc.PeerConnection, outTrack *webrtc.TrackLocalStaticSample) {
	paced, err := NewPacedWriter(outTrack)
	if err != nil {
		log.Printf("[%s] opus encoder error: %v", sessionID, err)
		_ = pc.Close()
		return
	}

	listener := stt.NewService(h.assemblyAIKey)
	cam := NewRemoteCamera()

	var ctrlPtr atomic.Pointer[session.Controller]
	var controlDC atomic.Pointer[webrtc.DataChannel]

	device := capture.NewDevice(cam, capture.Events{
		OnElapsed: func(n int) {
			if c := ctrlPtr.Load(); c != nil {
				c.HandleRecordingTick(n)
			}
		},
		OnClip: func(a capture.Artifact) {
			if c := ctrlPtr.Load(); c != nil {
				c.HandleClip(a)
			}
		},
	})

	speaker := tts.NewSpeaker(h.newEngine(), paced, tts.Events{
		OnStart: func() {
			if c := ctrlPtr.Load(); c != nil {
				c.HandleSpeechStart()
			}
		},
		OnEnd: func() {
			if c := ctrlPtr.Load(); c != nil {
				c.HandleSpeechEnd()
			}
		},
		OnError: func(err error) {
			if c := ctrlPtr.Load(); c != nil {
				c.HandleSpeechError(err)
			}
		},
	})

	recognizer := &listenAdapter{svc: listener}
	recognizer.ev = stt.Events{
		OnUpdate: func(u stt.Update) {
			if c := ctrlPtr.Load(); c != nil {
				c.HandleTranscript(u.Text, u.Final)
			}
		},
		OnEnd: func() {
			if c := ctrlPtr.Load(); c != nil {
				c.HandleListenEnd()
			}
		},
		OnError: func(err error) {
			if c := ctrlPtr.Load(); c != nil {
				c.HandleListenError(err)
			}
		},
	}

	ctrl := session.NewController(session.Deps{
		Device:     device,
		Recognizer: recognizer,
		Speaker:    speaker,
		Asker:      askAdapter{answer.NewClient(h.visionBaseURL)},
		Language:   h.language,
		OnChange: func(v session.View) {
			pushState(sessionID, controlDC.Load(), v)
		},
	})
	ctrlPtr.Store(ctrl)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		switch dc.Label() {
		case "control":
			controlDC.Store(dc)
			dc.OnOpen(func() {
				log.Printf("[%s] control channel opened", sessionID)
				pushState(sessionID, dc, ctrl.View())
			})
			dc.OnMessage(func(msg webrtc.DataChannelMessage) {
				h.dispatch(sessionID, ctrl, speaker, paced, msg.Data)
			})
		case "media":
			cam.Bind(dc)
			dc.OnMessage(func(msg webrtc.DataChannelMessage) {
				if msg.IsString {
					cam.HandleText(msg.Data)
				} else {
					cam.HandleBinary(msg.Data)
				}
			})
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Printf("[%s] ICE state: %s", sessionID, state.String())
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("[%s] mic track received: codec=%s", sessionID, remote.Codec().MimeType)

		dec, derr := opus.NewDecoder(16000, 1)
		if derr != nil {
			log.Printf("[%s] opus decoder error: %v", sessionID, derr)
			return
		}
		go h.pumpMic(sessionID, remote, dec, listener)
		go h.watchBargeIn(pc, ctrl, speaker, paced, listener)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("[%s] peer connection state: %s", sessionID, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			ctrl.Close()
			listener.Stop()
			paced.FlushTail()
			time.AfterFunc(400*time.Millisecond, paced.Close)
			_ = pc.Close()
		}
	})
}

func (h *Handler) dispatch(sessionID string, ctrl *session.Controller, speaker *tts.Speaker, paced *PacedWriter, raw []byte) {
	var m controlMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return
	}
	switch m.Cmd {
	case "open-camera":
		// camera acks arrive on the same pump; never block it
		go func() { _ = ctrl.OpenCamera(context.Background()) }()
	case "close-camera":
		ctrl.CloseCamera()
	case "snapshot":
		go func() { _ = ctrl.Snapshot(context.Background()) }()
	case "record-start":
		_ = ctrl.StartRecording()
	case "record-stop":
		ctrl.StopRecording()
	case "set-question":
		ctrl.SetQuestion(m.Question)
	case "ask":
		_ = ctrl.Ask(m.Question)
	case "describe":
		_ = ctrl.DescribeScene()
	case "cancel":
		ctrl.CancelAnswer()
	case "listen-start":
		go func() { _ = ctrl.StartListening(context.Background()) }()
	case "listen-stop":
		ctrl.StopListening()
	case "stop-speaking":
		speaker.Stop()
		paced.Reset()
		ctrl.HandleSpeechEnd()
	case "import":
		data, err := base64.StdEncoding.DecodeString(m.Data)
		if err != nil || len(data) == 0 {
			log.Printf("[%s] import rejected: bad payload", sessionID)
			return
		}
		kind := capture.KindImage
		if strings.HasPrefix(m.Mime, "video/") {
			kind = capture.KindVideo
		}
		ctrl.ImportMedia(capture.Artifact{Kind: kind, Mime: m.Mime, Data: data})
	case "reset":
		ctrl.Reset()
	default:
		log.Printf("[%s] unknown control command: %q", sessionID, m.Cmd)
	}
}

// pumpMic decodes the remote Opus track to 16kHz PCM and forwards it in
// fixed chunks to the recognizer. Audio outside a listening window is
// dropped downstream.
func (h *Handler) pumpMic(sessionID string, remote *webrtc.TrackRemote, dec *opus.Decoder, listener *stt.Service) {
	const chunkBytes = 3200 // 100ms at 16kHz mono
	buf := make([]byte, 0, chunkBytes*4)
	samples := make([]int16, 1920)
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, samples)
		if err != nil {
			continue
		}
		start := len(buf)
		need := n * 2
		if cap(buf)-start < need {
			tmp := make([]byte, start, start+need+chunkBytes)
			copy(tmp, buf)
			buf = tmp
		}
		buf = buf[:start+need]
		out := buf[start:]
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(samples[i]))
		}
		for len(buf) >= chunkBytes {
			if err := listener.SendPCM16KLE(buf[:chunkBytes]); err != nil {
				log.Printf("[%s] stt send error: %v", sessionID, err)
			}
			copy(buf, buf[chunkBytes:])
			buf = buf[:len(buf)-chunkBytes]
		}
	}
}

// watchBargeIn cuts read-back short when the mic picks up voice, so the
// user can talk over a long answer.
func (h *Handler) watchBargeIn(pc *webrtc.PeerConnection, ctrl *session.Controller, speaker *tts.Speaker, paced *PacedWriter, listener *stt.Service) {
	ticker := time.NewTicker(40 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		state := pc.ConnectionState()
		if state == webrtc.PeerConnectionStateClosed || state == webrtc.PeerConnectionStateFailed {
			return
		}
		if speaker.Speaking() && listener.RecentlyDetectedVoice(150*time.Millisecond) {
			speaker.Stop()
			paced.Reset()
			ctrl.HandleSpeechEnd()
		}
	}
}
