// Package synth turns an account's timeline into an executive summary via a
// local Ollama model. It is a pure collaborator: the digest is complete and
// correct without it, and a failed synthesis degrades to the raw timeline.
package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/khoward/dealdigest/internal/timeline"
)

const synthesisPrompt = `You are summarizing deal/partner activity for an executive weekly report.

Be bulleted, punchy, and executive-level. No fluff. No emojis.

Structure your response as:
- Activity: What happened (meetings/emails)
- Deal Status: Pricing, Terms, Start Date if known (only if applicable)
- Risks: Blockers or concerns (only if there are any)
- Action Items: Next steps for upcoming week

Context:
%s

Provide a concise summary following the structure above. If certain sections don't apply (e.g., no known deal status for partners), omit them.`

// Client calls a local Ollama instance.
type Client struct {
	http  *resty.Client
	model string
}

// NewClient creates a Client against the given Ollama base URL.
func NewClient(baseURL, model string) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetTimeout(2 * time.Minute)
	return &Client{http: c, model: model}
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
}

type generateResponse struct {
	Response string `json:"response"`
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Verify checks that Ollama is reachable and the configured model is pulled.
func (c *Client) Verify(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/api/tags")
	if err != nil {
		return fmt.Errorf("ollama unreachable at %s: %w", c.http.BaseURL, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("ollama status %d: %s", resp.StatusCode(), resp.String())
	}

	var tags tagsResponse
	if err := json.Unmarshal(resp.Body(), &tags); err != nil {
		return fmt.Errorf("decode tags: %w", err)
	}
	want := strings.SplitN(c.model, ":", 2)[0]
	for _, m := range tags.Models {
		if strings.HasPrefix(m.Name, want) {
			return nil
		}
	}
	return fmt.Errorf("model %s not available; pull it with: ollama pull %s", c.model, c.model)
}

// Synthesize produces the executive summary for one account record. Accounts
// with empty timelines are not summarized.
func (c *Client) Synthesize(ctx context.Context, rec timeline.AccountRecord) (string, error) {
	if len(rec.Entries) == 0 {
		return "", fmt.Errorf("nothing to synthesize for %s", rec.Name)
	}

	prompt := fmt.Sprintf("Entity: %s (%s)\n\n", rec.Name, rec.Category) +
		fmt.Sprintf(synthesisPrompt, renderContext(rec))

	req := generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
		Options: generateOptions{
			Temperature: 0.3,
			TopP:        0.9,
		},
	}

	resp, err := c.http.R().SetContext(ctx).SetBody(&req).Post("/api/generate")
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("ollama status %d: %s", resp.StatusCode(), resp.String())
	}

	var gen generateResponse
	if err := json.Unmarshal(resp.Body(), &gen); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return strings.TrimSpace(gen.Response), nil
}

// renderContext flattens the timeline into the prompt context block.
func renderContext(rec timeline.AccountRecord) string {
	var b strings.Builder
	for _, e := range rec.Entries {
		fmt.Fprintf(&b, "[%s %s] %s\n", e.Timestamp.Format("2006-01-02"), e.Kind, e.Title)
		if e.Payload != "" && e.Payload != e.Title {
			b.WriteString(e.Payload)
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	if rec.Signals.State != "" {
		fmt.Fprintf(&b, "Derived state: %s\n", rec.Signals.State)
	}
	for _, f := range rec.Signals.RiskFlags {
		fmt.Fprintf(&b, "Detected risk: %s\n", f)
	}
	return strings.TrimRight(b.String(), "\n")
}
