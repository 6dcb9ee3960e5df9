package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lazypower/memcore/internal/errs"
)

const (
	ollamaTimeout = 30 * time.Second
	probeTimeout  = 3 * time.Second
)

// OllamaEmbedder calls a local Ollama server's /api/embed endpoint.
type OllamaEmbedder struct {
	endpoint string
	model    string
	http     *http.Client
	dims     atomic.Int64
}

// NewOllamaEmbedder returns an embedder for model served at baseURL. dims is
// the expected width; it is replaced by the width of the first response.
func NewOllamaEmbedder(baseURL, model string, dims int) *OllamaEmbedder {
	o := &OllamaEmbedder{
		endpoint: strings.TrimSuffix(baseURL, "/") + "/api/embed",
		model:    model,
		http:     &http.Client{Timeout: ollamaTimeout},
	}
	o.dims.Store(int64(dims))
	return o
}

func (o *OllamaEmbedder) Model() string   { return "ollama:" + o.model }
func (o *OllamaEmbedder) Dimensions() int { return int(o.dims.Load()) }

// Embed returns the vector for one text.
func (o *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds several texts in one request. The result is index
// aligned with texts.
func (o *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}{o.model, texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, errs.Degraded("embed", "ollama", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Degraded("embed", "ollama", fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.Degraded("embed", "ollama",
			fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body)))
	}

	var out struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(out.Embeddings) != len(texts) {
		return nil, errs.Degraded("embed", "ollama",
			fmt.Errorf("got %d embeddings for %d inputs", len(out.Embeddings), len(texts)))
	}
	o.dims.Store(int64(len(out.Embeddings[0])))
	return out.Embeddings, nil
}

// Probe reports whether the server answers and serves the model.
func (o *OllamaEmbedder) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	_, err := o.EmbedBatch(ctx, []string{"probe"})
	return err
}
