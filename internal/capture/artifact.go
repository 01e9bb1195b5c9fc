package capture

import "encoding/base64"

// Kind identifies what an artifact holds.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Artifact is one captured media payload, either a still image or a
// bounded-length clip. It is immutable once produced.
type Artifact struct {
	Kind Kind
	Mime string
	Data []byte
}

// DataURI renders the artifact as a self-describing data URI, the wire form
// the vision backend expects.
func (a Artifact) DataURI() string {
	return "data:" + a.Mime + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}
