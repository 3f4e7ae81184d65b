package ingest

import (
	"math"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// DefaultHashDimension is used when no embedding collaborator is configured.
const DefaultHashDimension = 256

// HashVector maps text to a deterministic unit-length vector by hashing its
// characters and adjacent character pairs into dim buckets. Text without
// letters or digits yields the zero vector.
func HashVector(text string, dim int) []float64 {
	if dim <= 0 {
		dim = DefaultHashDimension
	}
	vec := make([]float64, dim)

	var prev rune
	for _, r := range strings.ToLower(text) {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			prev = 0
			continue
		}
		vec[bucket(string(r), dim)]++
		if prev != 0 {
			vec[bucket(string([]rune{prev, r}), dim)] += 0.5
		}
		prev = r
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

func bucket(s string, dim int) int {
	return int(xxhash.Sum64String(s) % uint64(dim))
}
