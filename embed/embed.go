// CLAUDE:SUMMARY Embedding client for section search: OpenAI-compatible server, or a deterministic hashing embedder when offline.
// Package embed converts document sections to float32 vectors via any
// OpenAI-compatible embedding server. Without a server it degrades to a
// deterministic feature-hashing embedder, so section search keeps working
// offline with reduced quality.
package embed

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"strings"
	"time"
)

// Embedder converts text to vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension returns the vector dimension, 0 if not yet detected.
	Dimension() int
	Model() string
}

// Config configures the embedding client.
type Config struct {
	// Endpoint is the base URL of the embedding server. If empty, the
	// hashing embedder is used.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// Model is the model name sent in the request.
	Model string `json:"model" yaml:"model"`

	// Dimension is the expected vector dimension. 0 = auto-detect on the
	// first call (hashing embedder defaults to 256).
	Dimension int `json:"dimension" yaml:"dimension"`

	// BatchSize is the maximum number of texts per HTTP request. Default: 32.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// Timeout per HTTP request. Default: 30s.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// New creates an Embedder from config.
func New(cfg Config) Embedder {
	cfg.defaults()
	if cfg.Endpoint == "" {
		dim := cfg.Dimension
		if dim <= 0 {
			dim = 256
		}
		return &hashEmbedder{dim: dim}
	}
	return newOpenAIClient(cfg)
}

// hashEmbedder maps word n-grams into dimension buckets with FNV hashing
// and L2-normalises the result. No semantics, but identical text always
// yields an identical vector, which is enough for exact and near-exact
// section lookup.
type hashEmbedder struct {
	dim int
}

func (h *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dim)
	words := strings.Fields(strings.ToLower(text))
	for i, w := range words {
		addFeature(vec, w)
		if i > 0 {
			addFeature(vec, words[i-1]+" "+w)
		}
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func addFeature(vec []float32, feature string) {
	f := fnv.New32a()
	f.Write([]byte(feature))
	sum := f.Sum32()
	idx := int(sum) % len(vec)
	if idx < 0 {
		idx += len(vec)
	}
	// Sign from one hash bit keeps buckets from accumulating only upward.
	if sum&0x80000000 != 0 {
		vec[idx]--
	} else {
		vec[idx]++
	}
}

func (h *hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (h *hashEmbedder) Dimension() int { return h.dim }
func (h *hashEmbedder) Model() string  { return "feature-hash" }
