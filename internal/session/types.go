package session

import (
	"context"
	"time"

	"github.com/chadiek/vision-demo/internal/answer"
	"github.com/chadiek/vision-demo/internal/capture"
)

// State is the controller's position in the capture/question/answer cycle.
type State string

const (
	StateIdle          State = "idle"
	StateCaptureActive State = "capture-active"
	StateRecording     State = "recording"
	StateMediaReady    State = "media-ready"
	StateAnswerPending State = "answer-pending"
)

// Role tags a conversation entry.
type Role string

const (
	RoleQuestion Role = "question"
	RoleAnswer   Role = "answer"
)

// ConversationEntry is immutable once created. The in-progress streamed
// answer is tracked separately as transient state, never as a mutated entry.
type ConversationEntry struct {
	Role Role
	Text string
	At   time.Time
}

// Device is the capture capability the controller commands. Only the
// controller may open or close it.
type Device interface {
	Open(ctx context.Context) error
	Snapshot(ctx context.Context) (capture.Artifact, error)
	StartRecording() error
	StopRecording() bool
	Recording() bool
	Close()
}

// Recognizer is the speech-input capability: one utterance per Start.
type Recognizer interface {
	IsSupported() bool
	Start(ctx context.Context) error
	Stop()
}

// Speaker is the speech-output capability, last-call-wins.
type Speaker interface {
	Speak(text string)
	Stop()
}

// AnswerStream is one outstanding streaming request handle.
type AnswerStream interface {
	Fragments() <-chan string
	Done() <-chan struct{}
	Outcome() (answer.Outcome, string, error)
	Cancel()
}

// Asker opens streaming answer requests against the vision backend.
type Asker interface {
	Ask(ctx context.Context, art capture.Artifact, question, language string) AnswerStream
	Describe(ctx context.Context, art capture.Artifact, language string) AnswerStream
}

// View is an immutable snapshot of the session for transports and UIs.
type View struct {
	State        State
	MediaKind    capture.Kind // empty when no artifact is held
	History      []ConversationEntry
	Question     string
	Streamed     string
	Err          string
	Loading      bool
	Speaking     bool
	Listening    bool
	CameraActive bool
	Recording    bool
	Elapsed      int
}
