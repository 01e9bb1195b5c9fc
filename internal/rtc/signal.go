package rtc

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// signalMessage is the signaling frame format. Types: "auth", "offer",
// "answer", "candidate", "ice-complete", "bye", "error".
type signalMessage struct {
	Type          string  `json:"type"`
	Password      string  `json:"password,omitempty"`
	SDP           string  `json:"sdp,omitempty"`
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	Error         string  `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// demo deployment; restrict in production
		return true
	},
}

// ServeWebSocket upgrades the request and runs offer/answer plus trickle ICE
// signaling, then hands the peer connection to the session wiring. Expected
// client flow: auth (optional) -> offer -> candidates.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request, iceServersJSON, authPassword string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	if authPassword != "" && !authorized(r, authPassword) {
		// fall back to an auth frame as the first message
		mt, data, rerr := conn.ReadMessage()
		if rerr != nil || mt != websocket.TextMessage {
			_ = conn.WriteJSON(signalMessage{Type: "error", Error: "auth required"})
			return
		}
		var m signalMessage
		if json.Unmarshal(data, &m) != nil || !strings.EqualFold(m.Type, "auth") || m.Password != authPassword {
			_ = conn.WriteJSON(signalMessage{Type: "error", Error: "unauthorized"})
			return
		}
	}

	offerSDP, ok := awaitOffer(conn)
	if !ok {
		return
	}

	pc, outTrack, err := newPeer(iceServersJSON)
	if err != nil {
		_ = conn.WriteJSON(signalMessage{Type: "error", Error: err.Error()})
		return
	}
	defer func() { _ = pc.Close() }()

	sessionID := uuid.NewString()
	log.Printf("[%s] signaling started", sessionID)

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			_ = conn.WriteJSON(signalMessage{Type: "ice-complete"})
			return
		}
		init := c.ToJSON()
		_ = conn.WriteJSON(signalMessage{
			Type:          "candidate",
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	// remote trickle candidates keep arriving after the answer
	go func() {
		for {
			_, data, rerr := conn.ReadMessage()
			if rerr != nil {
				return
			}
			var m signalMessage
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			switch strings.ToLower(m.Type) {
			case "candidate":
				if m.Candidate == "" {
					continue
				}
				_ = pc.AddICECandidate(webrtc.ICECandidateInit{
					Candidate:     m.Candidate,
					SDPMid:        m.SDPMid,
					SDPMLineIndex: m.SDPMLineIndex,
				})
			case "bye":
				_ = pc.Close()
				return
			}
		}
	}()

	// wire the session before the answer so data-channel opens are not missed
	h.attachSession(sessionID, pc, outTrack)

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		_ = conn.WriteJSON(signalMessage{Type: "error", Error: err.Error()})
		return
	}
	localAnswer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = conn.WriteJSON(signalMessage{Type: "error", Error: err.Error()})
		return
	}
	if err := pc.SetLocalDescription(localAnswer); err != nil {
		_ = conn.WriteJSON(signalMessage{Type: "error", Error: err.Error()})
		return
	}
	local := pc.LocalDescription()
	if local == nil {
		_ = conn.WriteJSON(signalMessage{Type: "error", Error: "no local description"})
		return
	}
	if err := conn.WriteJSON(signalMessage{Type: "answer", SDP: local.SDP}); err != nil {
		log.Printf("[%s] answer write error: %v", sessionID, err)
		return
	}

	for {
		time.Sleep(2 * time.Second)
		switch pc.ConnectionState() {
		case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			return
		}
	}
}

func awaitOffer(conn *websocket.Conn) (string, bool) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("ws read error before offer: %v", err)
			return "", false
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m signalMessage
		if json.Unmarshal(data, &m) != nil {
			continue
		}
		switch strings.ToLower(m.Type) {
		case "offer":
			if m.SDP != "" {
				return m.SDP, true
			}
		case "bye":
			return "", false
		}
	}
}

func authorized(r *http.Request, password string) bool {
	if r == nil || password == "" {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if strings.TrimSpace(ah[len("Bearer "):]) == password {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == password {
		return true
	}
	return false
}

// newPeer builds a peer connection with default codecs and interceptors and
// one outbound Opus track for read-back audio.
func newPeer(iceServersJSON string) (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: parseICEServers(iceServersJSON)})
	if err != nil {
		return nil, nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"assistant-audio", "assistant",
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	return pc, outTrack, nil
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}
