// Package translate calls an external translation service and degrades to
// the original text on any failure. Translation errors are never surfaced to
// the user.
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Client posts to a LibreTranslate-shaped endpoint. An empty endpoint
// disables translation entirely (Translate becomes the identity).
type Client struct {
	endpoint string
	http     *http.Client
}

func NewClient(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether an endpoint is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.endpoint != ""
}

type translateRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
}

type translateResponse struct {
	TranslatedText string `json:"translatedText"`
}

// Translate returns the text translated into targetLang, or the original
// text unchanged on any failure.
func (c *Client) Translate(ctx context.Context, text, targetLang string) string {
	if !c.Enabled() || text == "" || targetLang == "" {
		return text
	}

	body, err := json.Marshal(translateRequest{
		Q:      text,
		Source: "auto",
		Target: targetLang,
		Format: "text",
	})
	if err != nil {
		return text
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return text
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		log.Printf("[TRANSLATE] request failed: %v", err)
		return text
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[TRANSLATE] status %s", resp.Status)
		return text
	}

	var tr translateResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		log.Printf("[TRANSLATE] bad response: %v", err)
		return text
	}
	if tr.TranslatedText == "" {
		return text
	}
	return tr.TranslatedText
}

// String implements fmt.Stringer for config logging.
func (c *Client) String() string {
	if !c.Enabled() {
		return "translate(disabled)"
	}
	return fmt.Sprintf("translate(%s)", c.endpoint)
}
