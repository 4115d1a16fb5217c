// Package embeddings defines the interface to text-embedding backends.
//
// The semantic memory store embeds each remembered fact once on write and
// embeds the recall query on read; similarity search happens in pgvector.
// That narrow usage is the whole contract: one text in, one vector out, plus
// the fixed vector width the store needs for its schema.
package embeddings

import "context"

// Provider maps text to dense float32 vectors.
//
// Every vector from one Provider instance has the same length, reported by
// Dimensions. Vectors from different providers (or different models) live in
// different spaces and must never be compared against each other.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed returns the vector for text, of length Dimensions. The text is
	// passed to the model verbatim; any model-specific prefix ("query: ",
	// "passage: ") is the caller's job.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions is the fixed vector length this provider produces. The
	// memory store sizes its pgvector column with it.
	Dimensions() int
}
