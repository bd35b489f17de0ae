package types

import "time"

// NormalizedMessage is the canonical form of an input after normalization.
// It is immutable once built; input pipelines that modify a message must
// work on a copy.
type NormalizedMessage struct {
	// Text is the LLM-ready textual rendering. Non-empty after normalization.
	Text string `json:"text"`

	// Content is the structured payload the text was rendered from.
	Content StructuredContent `json:"content"`

	// Source is the name of the input provider that produced the data.
	Source string `json:"source"`

	// DataType is carried over from the originating RawData.
	DataType DataType `json:"data_type"`

	// Importance is pre-computed from Content, in [0, 1].
	Importance float64 `json:"importance"`

	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// UserID returns the originating user ID when the content carries one.
func (m *NormalizedMessage) UserID() (string, bool) {
	if m.Content == nil {
		return "", false
	}
	return m.Content.UserID()
}

// Clone returns a copy with its own metadata map. The Content value is
// shared; content variants are value types and never mutated.
func (m *NormalizedMessage) Clone() *NormalizedMessage {
	out := *m
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
