package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	chromem "github.com/philippgille/chromem-go"

	"github.com/safeprompt/gateway/pkg/httputil"
)

// NewOpenRouterEmbedder returns an embedding function backed by an
// OpenAI-compatible /embeddings endpoint.
func NewOpenRouterEmbedder(baseURL, apiKey, model string) chromem.EmbeddingFunc {
	client := httputil.MediumClient()

	return func(ctx context.Context, text string) ([]float32, error) {
		body, err := json.Marshal(map[string]string{
			"model": model,
			"input": text,
		})
		if err != nil {
			return nil, fmt.Errorf("encode embedding request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/embeddings", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build embedding request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+apiKey)

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("embedding request: %w", err)
		}
		defer httputil.DrainAndClose(resp.Body)

		if resp.StatusCode != http.StatusOK {
			msg, _ := httputil.ReadErrorBody(resp.Body)
			return nil, fmt.Errorf("embedding API status %d: %s", resp.StatusCode, msg)
		}

		raw, err := httputil.ReadResponseBody(resp.Body, httputil.MaxResponseSize)
		if err != nil {
			return nil, fmt.Errorf("read embedding response: %w", err)
		}

		var parsed struct {
			Data []struct {
				Embedding []float32 `json:"embedding"`
			} `json:"data"`
		}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("decode embedding response: %w", err)
		}
		if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
			return nil, fmt.Errorf("embedding API returned no vectors")
		}
		return parsed.Data[0].Embedding, nil
	}
}
