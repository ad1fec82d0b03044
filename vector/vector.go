// Package vector adapts an embedded vector database to the store interface
// agents consume for retrieval.
package vector

import "context"

// Embedder is the embedding-service collaborator. The chromem adapter calls
// it when an item arrives without a precomputed vector.
type Embedder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
	EncodeBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}
