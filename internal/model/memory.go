// Package model defines the core memory data types.
package model

import (
	"errors"
	"fmt"
	"time"
)

// Layer is a memory partition with its own mutation policy.
type Layer string

const (
	LayerEmotional  Layer = "emotional"
	LayerRational   Layer = "rational"
	LayerHistorical Layer = "historical"
	LayerGeneral    Layer = "general"
)

// Layers lists every layer in retrieval priority order.
var Layers = []Layer{LayerRational, LayerEmotional, LayerHistorical, LayerGeneral}

// Source is the provenance category of a chunk.
type Source string

const (
	SourceConversation Source = "conversation"
	SourceUpload       Source = "upload"
	SourceImport       Source = "import"
)

// ContentKind selects which embedding model family a chunk needs.
type ContentKind string

const (
	KindText  ContentKind = "text"
	KindImage ContentKind = "image"
)

var (
	ErrInvalidLayer  = errors.New("invalid layer")
	ErrInvalidSource = errors.New("invalid source")
	ErrInvalidKind   = errors.New("invalid content kind")
)

// ValidLayers are the allowed memory layers.
var ValidLayers = map[Layer]bool{
	LayerEmotional:  true,
	LayerRational:   true,
	LayerHistorical: true,
	LayerGeneral:    true,
}

// ValidSources are the allowed chunk sources.
var ValidSources = map[Source]bool{
	SourceConversation: true,
	SourceUpload:       true,
	SourceImport:       true,
}

// ParseLayer validates a layer name.
func ParseLayer(s string) (Layer, error) {
	l := Layer(s)
	if !ValidLayers[l] {
		return "", fmt.Errorf("%w: %q (valid: emotional, rational, historical, general)", ErrInvalidLayer, s)
	}
	return l, nil
}

// ParseSource validates a source name.
func ParseSource(s string) (Source, error) {
	src := Source(s)
	if !ValidSources[src] {
		return "", fmt.Errorf("%w: %q (valid: conversation, upload, import)", ErrInvalidSource, s)
	}
	return src, nil
}

// ParseKind validates a content kind. Empty means text.
func ParseKind(s string) (ContentKind, error) {
	switch ContentKind(s) {
	case "", KindText:
		return KindText, nil
	case KindImage:
		return KindImage, nil
	}
	return "", fmt.Errorf("%w: %q (valid: text, image)", ErrInvalidKind, s)
}

// Chunk is the atomic unit of memory. Layer, Source and Content never change
// after creation; Embedding and EmbeddingModel transition once from empty to set.
type Chunk struct {
	ID             string      `json:"id"`
	Source         Source      `json:"source"`
	SourceID       string      `json:"source_id,omitempty"`
	Content        string      `json:"content"`
	Kind           ContentKind `json:"kind"`
	Layer          Layer       `json:"layer"`
	IntendedModel  string      `json:"intended_model,omitempty"`
	Embedding      []float32   `json:"embedding,omitempty"`
	EmbeddingModel string      `json:"embedding_model,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Embedded reports whether the chunk carries a usable vector.
func (c *Chunk) Embedded() bool {
	return len(c.Embedding) > 0 && c.EmbeddingModel != ""
}

// RetrievalResult is one ranked search hit. Not persisted.
type RetrievalResult struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	Layer   Layer   `json:"layer"`
}

// Turn is one conversation message handed to the layer manager.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}
