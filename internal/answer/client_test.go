package answer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chadiek/vision-demo/internal/capture"
)

func testArtifact() capture.Artifact {
	return capture.Artifact{Kind: capture.KindImage, Mime: "image/jpeg", Data: []byte{0xff, 0xd8}}
}

func sseHandler(t *testing.T, chunks []string, gate <-chan struct{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req askRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if !strings.HasPrefix(req.ImageBase64, "data:image/jpeg;base64,") {
			t.Errorf("expected data uri, got %q", req.ImageBase64)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fl, _ := w.(http.Flusher)
		for _, c := range chunks {
			if gate != nil {
				<-gate
			}
			fmt.Fprintf(w, "data: %s\n\n", c)
			if fl != nil {
				fl.Flush()
			}
		}
	}
}

func TestAsk_ReconstructsFullText(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{"안", "녕", "[DONE]"}, nil))
	defer srv.Close()

	c := NewClient(srv.URL)
	st := c.Ask(context.Background(), testArtifact(), "뭐가 보여?", "ko")

	var got []string
	for f := range st.Fragments() {
		got = append(got, f)
	}
	<-st.Done()
	outcome, full, err := st.Outcome()
	if outcome != OutcomeCompleted {
		t.Fatalf("expected completion, got outcome=%d err=%v", outcome, err)
	}
	if full != "안녕" {
		t.Fatalf("expected reconstructed text 안녕, got %q", full)
	}
	if len(got) != 2 || got[0] != "안" || got[1] != "녕" {
		t.Fatalf("fragments out of order: %v", got)
	}
}

func TestAsk_NonSuccessStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("oops"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	st := c.Ask(context.Background(), testArtifact(), "hi", "en")
	<-st.Done()
	outcome, _, err := st.Outcome()
	if outcome != OutcomeFailed {
		t.Fatalf("expected failure, got %d", outcome)
	}
	var te *TransportError
	if !errors.As(err, &te) || te.Status != http.StatusInternalServerError {
		t.Fatalf("expected TransportError with status 500, got %v", err)
	}
}

func TestAsk_CancelIsNotFailure(t *testing.T) {
	gate := make(chan struct{})
	srv := httptest.NewServer(sseHandler(t, []string{"a", "b", "c", "[DONE]"}, gate))
	defer srv.Close()

	c := NewClient(srv.URL)
	st := c.Ask(context.Background(), testArtifact(), "hi", "en")

	gate <- struct{}{} // let one fragment through
	select {
	case <-st.Fragments():
	case <-time.After(time.Second):
		t.Fatalf("no fragment arrived")
	}
	st.Cancel()

	select {
	case <-st.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("stream did not terminate after cancel")
	}
	close(gate) // release the handler


	outcome, _, err := st.Outcome()
	if outcome != OutcomeCancelled {
		t.Fatalf("expected cancelled outcome, got %d (err=%v)", outcome, err)
	}
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	// cancelling again, and after termination, stays a no-op
	st.Cancel()
	if o, _, _ := st.Outcome(); o != OutcomeCancelled {
		t.Fatalf("outcome changed after repeat cancel: %d", o)
	}
}

func TestAsk_TruncatedStreamFails(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, []string{"partial"}, nil))
	defer srv.Close()

	c := NewClient(srv.URL)
	st := c.Ask(context.Background(), testArtifact(), "hi", "en")
	for range st.Fragments() {
	}
	<-st.Done()
	if outcome, _, _ := st.Outcome(); outcome != OutcomeFailed {
		t.Fatalf("stream without sentinel must fail, got %d", outcome)
	}
}

func TestDescribe_UsesDescribeEndpoint(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		fmt.Fprint(w, "data: ok\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	st := c.Describe(context.Background(), testArtifact(), "ko")
	for range st.Fragments() {
	}
	<-st.Done()
	if path != "/api/describe-stream" {
		t.Fatalf("expected describe endpoint, got %s", path)
	}
}

func TestAskOnce_SuccessAndBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ask" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req askRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Question == "fail" {
			_ = json.NewEncoder(w).Encode(askResponse{Success: false, Error: "model error"})
			return
		}
		_ = json.NewEncoder(w).Encode(askResponse{Answer: " 바다가 보여요. ", Success: true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	got, err := c.AskOnce(context.Background(), testArtifact(), "바다?", "ko")
	if err != nil {
		t.Fatalf("ask once: %v", err)
	}
	if got != "바다가 보여요." {
		t.Fatalf("expected trimmed answer, got %q", got)
	}
	if _, err := c.AskOnce(context.Background(), testArtifact(), "fail", "ko"); err == nil {
		t.Fatalf("expected error when backend reports success=false")
	}
}

func TestNewClient_DefaultBaseURL(t *testing.T) {
	c := NewClient("")
	if c.BaseURL != DefaultBaseURL {
		t.Fatalf("expected default base url, got %s", c.BaseURL)
	}
}
