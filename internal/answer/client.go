package answer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chadiek/vision-demo/internal/capture"
)

// DefaultBaseURL is the local vision backend used when none is configured.
const DefaultBaseURL = "http://localhost:8000"

const doneSentinel = "[DONE]"

// ErrCancelled marks a stream the caller aborted. It is never a failure.
var ErrCancelled = errors.New("answer: cancelled")

// TransportError is a non-success response or network failure from the
// vision backend. It is recoverable: the session returns to its ready state.
type TransportError struct {
	Status int
	Body   string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("answer: transport: %v", e.Err)
	}
	return fmt.Sprintf("answer: status=%d body=%s", e.Status, e.Body)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client talks to the vision backend. Artifacts travel as data URIs and
// answers come back as an SSE stream of text fragments.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
}

type askRequest struct {
	ImageBase64 string `json:"image_base64"`
	Question    string `json:"question"`
	Language    string `json:"language"`
}

type askResponse struct {
	Answer  string `json:"answer"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// NewClient builds a client for the given base URL ("" selects the default).
// Streaming responses have no overall deadline; cancellation is cooperative.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		HTTPClient: &http.Client{Timeout: 0},
		BaseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// Ask submits the artifact and question and returns the stream handle
// immediately. Fragments arrive in transport order; exactly one of
// completed, failed, or cancelled terminates the handle.
func (c *Client) Ask(ctx context.Context, art capture.Artifact, question, language string) *Stream {
	return c.stream(ctx, "/api/ask-stream", art, question, language)
}

// Describe requests a full scene description; the backend ignores question
// text on this endpoint.
func (c *Client) Describe(ctx context.Context, art capture.Artifact, language string) *Stream {
	return c.stream(ctx, "/api/describe-stream", art, "", language)
}

func (c *Client) stream(ctx context.Context, path string, art capture.Artifact, question, language string) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		fragments: make(chan string, 64),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	go c.run(ctx, s, path, art, question, language)
	return s
}

func (c *Client) run(ctx context.Context, s *Stream, path string, art capture.Artifact, question, language string) {
	defer close(s.done)
	defer close(s.fragments)

	resp, err := c.post(ctx, path, art, question, language)
	if err != nil {
		s.finishErr(ctx, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		s.finishErr(ctx, &TransportError{Status: resp.StatusCode, Body: string(b)})
		return
	}

	var full strings.Builder
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == doneSentinel {
			s.finishOK(full.String())
			return
		}
		full.WriteString(payload)
		select {
		case s.fragments <- payload:
		case <-ctx.Done():
			s.finishErr(ctx, ctx.Err())
			return
		}
	}
	if err := sc.Err(); err != nil {
		s.finishErr(ctx, err)
		return
	}
	// Stream ended without the sentinel: treat as a truncated transport.
	s.finishErr(ctx, &TransportError{Err: io.ErrUnexpectedEOF})
}

func (c *Client) post(ctx context.Context, path string, art capture.Artifact, question, language string) (*http.Response, error) {
	body, _ := json.Marshal(askRequest{
		ImageBase64: art.DataURI(),
		Question:    question,
		Language:    language,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	return resp, nil
}

// AskOnce uses the non-streaming endpoint and returns the full answer.
func (c *Client) AskOnce(ctx context.Context, art capture.Artifact, question, language string) (string, error) {
	return c.once(ctx, "/api/ask", art, question, language)
}

// DescribeOnce is the non-streaming variant of Describe.
func (c *Client) DescribeOnce(ctx context.Context, art capture.Artifact, language string) (string, error) {
	return c.once(ctx, "/api/describe", art, "", language)
}

func (c *Client) once(ctx context.Context, path string, art capture.Artifact, question, language string) (string, error) {
	onceClient := *c.HTTPClient
	if onceClient.Timeout == 0 {
		onceClient.Timeout = 30 * time.Second
	}
	body, _ := json.Marshal(askRequest{ImageBase64: art.DataURI(), Question: question, Language: language})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := onceClient.Do(req)
	if err != nil {
		return "", &TransportError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &TransportError{Status: resp.StatusCode, Body: string(b)}
	}
	var ar askResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return "", &TransportError{Err: err}
	}
	if !ar.Success {
		return "", &TransportError{Status: resp.StatusCode, Body: ar.Error}
	}
	return strings.TrimSpace(ar.Answer), nil
}
