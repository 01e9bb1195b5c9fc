package session

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/chadiek/vision-demo/internal/answer"
	"github.com/chadiek/vision-demo/internal/capture"
)

// describePrompt is shown (and stored) as the question when the user asks
// for a full scene description instead of typing one.
const describePrompt = "장면을 자세히 설명해줘"

// Deps are the capabilities the controller orchestrates. The controller is
// the only caller allowed to command the device, and the speaker/listener
// pair is mediated so at most one direction is active.
type Deps struct {
	Device     Device
	Recognizer Recognizer
	Speaker    Speaker
	Asker      Asker
	Language   string
	// OnChange receives a fresh View after every observable mutation. It is
	// invoked without the controller lock held.
	OnChange func(View)
}

// Controller owns the session: the media artifact, the conversation history,
// the single in-flight answer stream, and the exclusive speech resources.
// Every error it encounters lands in the session's error slot; nothing
// escapes to callers except as a return value for logging.
type Controller struct {
	deps Deps
	now  func() time.Time

	mu        sync.Mutex
	state     State
	artifact  *capture.Artifact
	history   []ConversationEntry
	question  string
	streamed  string
	errMsg    string
	listening bool
	speaking  bool
	elapsed   int
	stream    AnswerStream
	gen       int
	closed    bool
}

// NewController builds an idle session.
func NewController(deps Deps) *Controller {
	if deps.Language == "" {
		deps.Language = "ko"
	}
	return &Controller{deps: deps, now: time.Now, state: StateIdle}
}

// View returns a copy of the current session state.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Controller) viewLocked() View {
	v := View{
		State:        c.state,
		Question:     c.question,
		Streamed:     c.streamed,
		Err:          c.errMsg,
		Loading:      c.state == StateAnswerPending,
		Speaking:     c.speaking,
		Listening:    c.listening,
		CameraActive: c.state == StateCaptureActive || c.state == StateRecording,
		Recording:    c.state == StateRecording,
		Elapsed:      c.elapsed,
	}
	if c.artifact != nil {
		v.MediaKind = c.artifact.Kind
	}
	v.History = make([]ConversationEntry, len(c.history))
	copy(v.History, c.history)
	return v
}

func (c *Controller) notify() {
	if c.deps.OnChange == nil {
		return
	}
	c.deps.OnChange(c.View())
}

// OpenCamera acquires the device and enters CaptureActive. On denial the
// state is unchanged and a device error is surfaced.
func (c *Controller) OpenCamera(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.state == StateAnswerPending || c.state == StateRecording {
		c.mu.Unlock()
		return &ValidationError{Reason: "camera unavailable in this state"}
	}
	if c.state == StateCaptureActive {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.deps.Device.Open(ctx); err != nil {
		log.Printf("session: camera open failed: %v", err)
		c.surfaceError(msgCameraFailed, true)
		return err
	}
	c.mu.Lock()
	c.state = StateCaptureActive
	c.errMsg = ""
	c.mu.Unlock()
	c.notify()
	return nil
}

// CloseCamera abandons capture and returns to the prior resting state.
func (c *Controller) CloseCamera() {
	c.deps.Device.Close()
	c.mu.Lock()
	if c.state == StateCaptureActive || c.state == StateRecording {
		if c.artifact != nil {
			c.state = StateMediaReady
		} else {
			c.state = StateIdle
		}
		c.elapsed = 0
	}
	c.mu.Unlock()
	c.notify()
}

// Snapshot captures a still image, closes the camera, and enters MediaReady.
func (c *Controller) Snapshot(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateCaptureActive {
		c.mu.Unlock()
		c.surfaceError(msgNotReady, false)
		return capture.ErrNotReady
	}
	c.mu.Unlock()

	a, err := c.deps.Device.Snapshot(ctx)
	if err != nil {
		log.Printf("session: snapshot failed: %v", err)
		c.surfaceError(msgNotReady, false)
		return err
	}
	c.acceptArtifact(a)
	return nil
}

// StartRecording begins a bounded clip capture.
func (c *Controller) StartRecording() error {
	c.mu.Lock()
	if c.state != StateCaptureActive {
		c.mu.Unlock()
		c.surfaceError(msgNotReady, false)
		return capture.ErrNotReady
	}
	c.mu.Unlock()

	if err := c.deps.Device.StartRecording(); err != nil {
		log.Printf("session: start recording failed: %v", err)
		c.surfaceError(msgCameraFailed, true)
		return err
	}
	c.mu.Lock()
	c.state = StateRecording
	c.elapsed = 0
	c.mu.Unlock()
	c.notify()
	return nil
}

// StopRecording finalizes the in-progress clip; the artifact arrives via
// HandleClip. Idempotent when nothing is recording.
func (c *Controller) StopRecording() {
	c.deps.Device.StopRecording()
}

// HandleClip is wired to the device's clip-finalized event.
func (c *Controller) HandleClip(a capture.Artifact) {
	c.acceptArtifact(a)
}

// HandleRecordingTick is wired to the device's per-second elapsed event.
func (c *Controller) HandleRecordingTick(seconds int) {
	c.mu.Lock()
	c.elapsed = seconds
	c.mu.Unlock()
	c.notify()
}

// ImportMedia installs an artifact the user picked from a file.
func (c *Controller) ImportMedia(a capture.Artifact) {
	c.deps.Device.Close()
	c.acceptArtifact(a)
}

// acceptArtifact replaces the session's media. A new artifact starts a new
// conversation: history, transient text, and any pending error are cleared,
// and an outstanding answer stream is abandoned.
func (c *Controller) acceptArtifact(a capture.Artifact) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	old := c.stream
	c.stream = nil
	c.gen++
	c.artifact = &a
	c.history = nil
	c.question = ""
	c.streamed = ""
	c.errMsg = ""
	c.elapsed = 0
	c.state = StateMediaReady
	c.mu.Unlock()

	if old != nil {
		old.Cancel()
	}
	c.notify()
}

// SetQuestion stores typed question text without submitting it.
func (c *Controller) SetQuestion(text string) {
	c.mu.Lock()
	c.question = text
	c.mu.Unlock()
	c.notify()
}

// Ask submits a question about the current artifact. A request already in
// flight is cancelled first; the new one wins.
func (c *Controller) Ask(question string) error {
	return c.submit(strings.TrimSpace(question), false)
}

// DescribeScene requests a full description of the current artifact.
func (c *Controller) DescribeScene() error {
	return c.submit("", true)
}

func (c *Controller) submit(question string, describe bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return &ValidationError{Reason: "session closed"}
	}
	if c.artifact == nil {
		c.mu.Unlock()
		c.surfaceError(msgNoMedia, false)
		return &ValidationError{Reason: "no media artifact"}
	}
	if c.state != StateMediaReady && c.state != StateAnswerPending {
		c.mu.Unlock()
		c.surfaceError(msgNoMedia, false)
		return &ValidationError{Reason: "not ready for questions"}
	}
	if !describe && question == "" {
		c.mu.Unlock()
		c.surfaceError(msgEmptyText, false)
		return &ValidationError{Reason: "empty question"}
	}

	entryText := question
	if describe {
		entryText = describePrompt
	}
	// the question entry is appended optimistically, before any network I/O
	c.history = append(c.history, ConversationEntry{Role: RoleQuestion, Text: entryText, At: c.now()})
	c.question = ""
	c.streamed = ""
	c.errMsg = ""
	c.state = StateAnswerPending
	old := c.stream
	c.stream = nil
	c.gen++
	gen := c.gen
	art := *c.artifact
	lang := c.deps.Language
	c.mu.Unlock()

	if old != nil {
		old.Cancel()
	}
	c.notify()

	var st AnswerStream
	if describe {
		st = c.deps.Asker.Describe(context.Background(), art, lang)
	} else {
		st = c.deps.Asker.Ask(context.Background(), art, question, lang)
	}

	c.mu.Lock()
	if c.gen != gen {
		// superseded while the request was being opened
		c.mu.Unlock()
		st.Cancel()
		return nil
	}
	c.stream = st
	c.mu.Unlock()

	go c.consume(st, gen)
	return nil
}

// CancelAnswer aborts the in-flight request, if any. Safe to call at any
// time; a completed handle ignores it.
func (c *Controller) CancelAnswer() {
	c.mu.Lock()
	st := c.stream
	c.mu.Unlock()
	if st != nil {
		st.Cancel()
	}
}

// consume drains one stream handle and applies its terminal outcome, unless
// a newer request has taken over in the meantime.
func (c *Controller) consume(st AnswerStream, gen int) {
	for frag := range st.Fragments() {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			continue
		}
		c.streamed += frag
		c.mu.Unlock()
		c.notify()
	}
	<-st.Done()
	outcome, full, err := st.Outcome()

	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		return
	}
	c.stream = nil
	c.streamed = ""
	c.state = StateMediaReady
	switch outcome {
	case answer.OutcomeCompleted:
		c.history = append(c.history, ConversationEntry{Role: RoleAnswer, Text: full, At: c.now()})
	case answer.OutcomeFailed:
		log.Printf("session: answer stream failed: %v", err)
		c.errMsg = msgAnswerFailed
	case answer.OutcomeCancelled:
		// user abort: no entry, no error
	}
	c.mu.Unlock()
	c.notify()

	switch outcome {
	case answer.OutcomeCompleted:
		// read-back takes the speech slot; stop any listening first
		c.deps.Recognizer.Stop()
		c.deps.Speaker.Speak(full)
	case answer.OutcomeFailed:
		c.deps.Speaker.Speak(msgAnswerFailed)
	}
}

// StartListening arms the speech-input adapter for one utterance. Speech
// output is stopped first so input and output never overlap.
func (c *Controller) StartListening(ctx context.Context) error {
	if !c.deps.Recognizer.IsSupported() {
		c.surfaceError(msgMicFailed, false)
		return &ValidationError{Reason: "speech input unsupported"}
	}
	c.deps.Speaker.Stop()
	c.mu.Lock()
	c.speaking = false
	c.mu.Unlock()

	if err := c.deps.Recognizer.Start(ctx); err != nil {
		log.Printf("session: speech input failed: %v", err)
		c.surfaceError(msgMicFailed, true)
		return err
	}
	c.mu.Lock()
	c.listening = true
	c.mu.Unlock()
	c.notify()
	return nil
}

// StopListening disarms speech input. No-op when not listening.
func (c *Controller) StopListening() {
	c.deps.Recognizer.Stop()
}

// HandleTranscript is wired to the recognizer's update stream. The final
// transcript fills the pending question; submission stays manual.
func (c *Controller) HandleTranscript(text string, final bool) {
	c.mu.Lock()
	c.question = text
	c.mu.Unlock()
	c.notify()
}

// HandleListenEnd is wired to the recognizer's utterance-end event.
func (c *Controller) HandleListenEnd() {
	c.mu.Lock()
	c.listening = false
	c.mu.Unlock()
	c.notify()
}

// HandleListenError is wired to the recognizer's terminal error signal.
func (c *Controller) HandleListenError(err error) {
	log.Printf("session: speech input error: %v", err)
	c.mu.Lock()
	c.listening = false
	c.mu.Unlock()
	c.surfaceError(msgMicFailed, true)
}

// HandleSpeechStart and HandleSpeechEnd track the speaking flag.
func (c *Controller) HandleSpeechStart() {
	c.mu.Lock()
	c.speaking = true
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) HandleSpeechEnd() {
	c.mu.Lock()
	c.speaking = false
	c.mu.Unlock()
	c.notify()
}

// HandleSpeechError only clears the speaking flag: a failed read-back must
// not block the rest of the session.
func (c *Controller) HandleSpeechError(err error) {
	log.Printf("session: read-back error: %v", err)
	c.HandleSpeechEnd()
}

// Reset cancels the in-flight request, releases the camera and speech
// resources, clears all session state, and returns to Idle.
func (c *Controller) Reset() {
	c.mu.Lock()
	old := c.stream
	c.stream = nil
	c.gen++
	c.artifact = nil
	c.history = nil
	c.question = ""
	c.streamed = ""
	c.errMsg = ""
	c.listening = false
	c.speaking = false
	c.elapsed = 0
	c.state = StateIdle
	c.mu.Unlock()

	if old != nil {
		old.Cancel()
	}
	c.deps.Device.Close()
	c.deps.Speaker.Stop()
	c.deps.Recognizer.Stop()
	c.notify()
}

// Close is Reset plus a terminal latch; the controller accepts no further
// work. Safe to call repeatedly.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Reset()
}

// surfaceError fills the single user-facing error slot and optionally speaks
// the message, the assistive default for device and transport failures.
func (c *Controller) surfaceError(msg string, speak bool) {
	c.mu.Lock()
	c.errMsg = msg
	c.mu.Unlock()
	c.notify()
	if speak {
		c.deps.Speaker.Speak(msg)
	}
}
