package embedding

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"
)

const defaultTFIDFTerms = 512

// TFIDFEmbedder is a bag-of-words fallback used when no embedding server is
// available. The vocabulary is the corpus's most frequent terms by document
// frequency, so two embedders built from the same corpus agree.
type TFIDFEmbedder struct {
	index map[string]int
	idf   []float64
}

// NewTFIDFEmbedder builds the vocabulary from docs, keeping at most maxTerms
// terms (512 when maxTerms <= 0).
func NewTFIDFEmbedder(docs []string, maxTerms int) *TFIDFEmbedder {
	if maxTerms <= 0 {
		maxTerms = defaultTFIDFTerms
	}

	df := map[string]int{}
	total := 0
	for _, doc := range docs {
		toks := Tokenize(doc)
		if len(toks) == 0 {
			continue
		}
		total++
		for term := range termCounts(toks) {
			df[term]++
		}
	}

	vocab := make([]string, 0, len(df))
	for term := range df {
		vocab = append(vocab, term)
	}
	sort.Slice(vocab, func(i, j int) bool {
		a, b := vocab[i], vocab[j]
		if df[a] != df[b] {
			return df[a] > df[b]
		}
		return a < b
	})
	if len(vocab) > maxTerms {
		vocab = vocab[:maxTerms]
	}

	e := &TFIDFEmbedder{index: make(map[string]int, len(vocab))}
	n := math.Max(float64(total), 1)
	for i, term := range vocab {
		e.index[term] = i
		e.idf = append(e.idf, 1+math.Log(n/float64(df[term])))
	}
	if len(e.idf) == 0 {
		// Keep one dimension so vectors are never zero length.
		e.idf = []float64{1}
	}
	return e
}

func (t *TFIDFEmbedder) Model() string   { return "tfidf" }
func (t *TFIDFEmbedder) Dimensions() int { return len(t.idf) }

// Embed returns an L2-normalized vector using augmented term frequency
// (0.5 + 0.5·tf/maxtf) so long texts are not favored.
func (t *TFIDFEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, len(t.idf))
	counts := termCounts(Tokenize(text))
	peak := 0
	for _, c := range counts {
		peak = max(peak, c)
	}
	for term, c := range counts {
		if i, ok := t.index[term]; ok {
			vec[i] = (0.5 + 0.5*float64(c)/float64(peak)) * t.idf[i]
		}
	}
	Normalize(vec)
	return vec, nil
}

// vocab lists the terms in dimension order.
func (t *TFIDFEmbedder) vocab() []string {
	out := make([]string, len(t.index))
	for term, i := range t.index {
		out[i] = term
	}
	return out
}

func termCounts(toks []string) map[string]int {
	m := make(map[string]int, len(toks))
	for _, tok := range toks {
		m[tok]++
	}
	return m
}

// Tokenize lowercases text and splits it into runs of ASCII letters, digits,
// '-' and '_'. Single-character runs are dropped.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) || r == '-' || r == '_')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}
