package policy

import (
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder turns text into a vector for similarity matchers. The
// production deployment can plug in a real sentence encoder; the lexical
// implementation below keeps similarity policies functional without one.
type Embedder interface {
	Embed(text string) []float32
}

const lexicalDims = 64

// LexicalEmbedder is a hashed bag-of-words embedding: each token is
// hashed into a fixed-size vector which is then L2-normalized. Paraphrases
// sharing vocabulary land close together; it is deliberately cheap.
type LexicalEmbedder struct{}

func (LexicalEmbedder) Embed(text string) []float32 {
	vec := make([]float32, lexicalDims)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum32()
		idx := sum % lexicalDims
		// alternate sign by a second hash bit to avoid all-positive drift
		if sum&(1<<31) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}
	normalize(vec)
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	mag := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= mag
	}
}

// Cosine returns the cosine similarity of two vectors, 0 when either is
// empty or they differ in length.
func Cosine(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(magA) * math.Sqrt(magB)))
}
