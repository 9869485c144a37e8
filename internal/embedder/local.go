package embedder

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// LocalProvider embeds text offline with hashed bag-of-words features.
// Vectors are non-negative and unit length, so texts sharing content words
// score above zero and unrelated texts score near zero.
type LocalProvider struct {
	dimension int
}

// NewLocalProvider creates a local embedder. dim <= 0 uses LocalDimension.
func NewLocalProvider(dim int) *LocalProvider {
	if dim <= 0 {
		dim = LocalDimension
	}
	return &LocalProvider{dimension: dim}
}

// Embed implements Provider.
func (l *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = l.vector(text)
	}
	return out, nil
}

func (l *LocalProvider) vector(text string) []float32 {
	v := make([]float32, l.dimension)
	for _, tok := range Tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		v[h.Sum32()%uint32(l.dimension)]++
	}
	return NormalizeVector(v)
}

// Info implements Describer.
func (l *LocalProvider) Info() Info {
	return Info{Name: ProviderLocal, Model: "hashed-bow", Dimension: l.dimension}
}

// Close is a no-op.
func (l *LocalProvider) Close() error { return nil }

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "can": true, "do": true, "does": true, "for": true,
	"from": true, "get": true, "has": true, "have": true, "how": true, "in": true,
	"into": true, "is": true, "it": true, "its": true, "of": true, "on": true,
	"or": true, "over": true, "so": true, "that": true, "the": true, "their": true,
	"then": true, "they": true, "this": true, "to": true, "was": true, "what": true,
	"when": true, "where": true, "which": true, "who": true, "why": true, "will": true,
	"with": true, "you": true,
}

// Tokenize lowercases text, splits on non-alphanumerics, drops stopwords and
// strips a plural "s".
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 || stopwords[f] {
			continue
		}
		if len(f) > 3 && strings.HasSuffix(f, "s") && !strings.HasSuffix(f, "ss") {
			f = f[:len(f)-1]
		}
		out = append(out, f)
	}
	return out
}

// NormalizeVector normalizes a vector to unit length (for cosine similarity)
func NormalizeVector(v []float32) []float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val * val)
	}

	if sum == 0 {
		return v
	}

	norm := float32(math.Sqrt(sum))
	result := make([]float32, len(v))
	for i, val := range v {
		result[i] = val / norm
	}

	return result
}
