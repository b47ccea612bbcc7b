// Package extractor turns free-form chat batches into structured complaint
// candidates via an OpenAI-compatible chat-completions API. The model is a
// fallible oracle; callers tolerate wrong or missing fields.
package extractor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/domain"
)

const (
	defaultAPIBase     = "https://api.openai.com/v1"
	defaultModel       = "gpt-4o-mini"
	defaultMaxTokens   = 1024
	defaultHTTPTimeout = 90 * time.Second
	maxAttempts        = 3
)

// Transient provider errors are retried after these delays, then the caller
// degrades to asking the user to try again later.
var attemptBackoff = []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}

// Client implements domain.RequestExtractor over an OpenAI-compatible API.
type Client struct {
	apiKey    string
	apiBase   string
	model     string
	maxTokens int
	client    *http.Client
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

type Config struct {
	APIKey    string
	APIBase   string
	Model     string
	MaxTokens int           // cap for the extraction turn, default 1024
	Timeout   time.Duration // per-request HTTP timeout, default 90s
	Logger    *slog.Logger
}

func NewClient(cfg Config) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	return &Client{
		apiKey:    cfg.APIKey,
		apiBase:   cfg.APIBase,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		client:    &http.Client{Timeout: cfg.Timeout},
		logger:    cfg.Logger,
		sleep:     sleepCtx,
	}
}

// --- wire types ---

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float64      `json:"temperature"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string, or content parts when images attach
}

type oaiContentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *oaiImagePart `json:"image_url,omitempty"`
}

type oaiImagePart struct {
	URL string `json:"url"`
}

type oaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// extractionPayload mirrors the JSON contract the model is prompted to emit.
type extractionPayload struct {
	ShouldRespond    bool               `json:"shouldRespond"`
	Response         string             `json:"response"`
	IsCorrection     bool               `json:"isCorrection"`
	CorrectedAddress string             `json:"correctedAddress"`
	AwaitingField    string             `json:"awaitingField"`
	Requests         []candidatePayload `json:"requests"`
}

type candidatePayload struct {
	Address        string `json:"address"`
	ReportType     string `json:"reportType"`
	ContainerType  string `json:"containerType"`
	Schedule       string `json:"schedule"`
	SituationType  string `json:"situationType"`
	Patente        string `json:"patente"`
	InfractionTime string `json:"infractionTime"`
	PostToX        bool   `json:"postToX"`
	MsgIndexes     []int  `json:"msgIndexes"`
}

// Extract runs the fresh-extraction prompt over a pending batch.
func (c *Client) Extract(ctx context.Context, in domain.ExtractionInput) (*domain.ExtractionResult, error) {
	msgs := []oaiMessage{
		{Role: "system", Content: extractionSystemPrompt},
		{Role: "user", Content: buildUserContent(in)},
	}

	raw, err := c.complete(ctx, msgs, c.maxTokens)
	if err != nil {
		return nil, err
	}

	payload, err := parseExtraction(raw)
	if err != nil {
		return nil, fmt.Errorf("extractor output: %w", err)
	}

	res := &domain.ExtractionResult{
		ShouldRespond:    payload.ShouldRespond,
		Response:         payload.Response,
		IsCorrection:     payload.IsCorrection,
		CorrectedAddress: payload.CorrectedAddress,
		AwaitingField:    domain.FieldTag(payload.AwaitingField),
	}
	for _, cand := range payload.Requests {
		res.Requests = append(res.Requests, domain.RequestCandidate{
			Address:        cand.Address,
			ReportType:     domain.ReportType(cand.ReportType),
			ContainerType:  cand.ContainerType,
			Schedule:       cand.Schedule,
			SituationType:  cand.SituationType,
			Patente:        cand.Patente,
			InfractionTime: cand.InfractionTime,
			PostToX:        cand.PostToX,
			MsgIndexes:     cand.MsgIndexes,
		})
	}
	return res, nil
}

// CleanAddress normalizes a free-text address reply to "street number".
func (c *Client) CleanAddress(ctx context.Context, raw string) (string, error) {
	msgs := []oaiMessage{
		{Role: "system", Content: addressSystemPrompt},
		{Role: "user", Content: raw},
	}
	out, err := c.complete(ctx, msgs, 64)
	if err != nil {
		return "", err
	}
	return strings.Trim(strings.TrimSpace(out), `"`), nil
}

// ClassifyReportType maps a free-text description to one report type.
func (c *Client) ClassifyReportType(ctx context.Context, text string) (domain.ReportType, error) {
	msgs := []oaiMessage{
		{Role: "system", Content: reportTypeSystemPrompt},
		{Role: "user", Content: text},
	}
	out, err := c.complete(ctx, msgs, 16)
	if err != nil {
		return "", err
	}
	rt := domain.ReportType(strings.TrimSpace(strings.ToLower(out)))
	switch rt {
	case domain.ReportRecoleccion, domain.ReportBarrido, domain.ReportObstruccion,
		domain.ReportOcupacionComercial, domain.ReportOcupacionGastronomica,
		domain.ReportManteros, domain.ReportPuestoDiarios, domain.ReportPuestoFlores,
		domain.ReportVehiculo:
		return rt, nil
	}
	return domain.ReportObstruccion, nil
}

// complete performs one chat-completion call with bounded retries on
// transient failures.
func (c *Client) complete(ctx context.Context, msgs []oaiMessage, maxTokens int) (string, error) {
	body, err := json.Marshal(oaiRequest{
		Model:       c.model,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.logger.Warn("extractor retrying", "attempt", attempt+1, "err", lastErr)
			if err := c.sleep(ctx, attemptBackoff[attempt-1]); err != nil {
				return "", err
			}
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.apiBase+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return "", fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("provider %d: %s", resp.StatusCode, truncate(string(respBody), 200))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("provider %d: %s", resp.StatusCode, truncate(string(respBody), 200))
		}

		var parsed oaiResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			lastErr = fmt.Errorf("decode response: %w", err)
			continue
		}
		if len(parsed.Choices) == 0 {
			lastErr = fmt.Errorf("provider returned no choices")
			continue
		}
		return parsed.Choices[0].Message.Content, nil
	}
	return "", fmt.Errorf("extractor failed after %d attempts: %w", maxAttempts, lastErr)
}

// buildUserContent assembles the multimodal user turn: each batch message in
// order (with its photo inlined), then history marked as context only.
func buildUserContent(in domain.ExtractionInput) any {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Remitente: %s\n", in.SenderName)
	if in.PriorQuestion != "" {
		fmt.Fprintf(&sb, "Última pregunta del bot (el remitente puede estar respondiéndola): %s\n", in.PriorQuestion)
	}
	sb.WriteString("Mensajes nuevos, en orden:\n")

	for _, m := range in.Messages {
		flag := ""
		if m.HasPhoto {
			flag = " [foto adjunta]"
		}
		fmt.Fprintf(&sb, "%d.%s %s\n", m.Index, flag, m.Text)
	}
	if in.HistoryContext != "" {
		sb.WriteString("\nContexto previo (SOLO contexto, NO procesar como mensajes nuevos):\n")
		sb.WriteString(in.HistoryContext)
	}

	parts := []oaiContentPart{{Type: "text", Text: sb.String()}}
	for _, m := range in.Messages {
		if !m.HasPhoto {
			continue
		}
		if url := inlineImage(m.MediaPath); url != "" {
			parts = append(parts, oaiContentPart{Type: "image_url", ImageURL: &oaiImagePart{URL: url}})
		}
	}

	if len(parts) == 1 {
		return parts[0].Text
	}
	return parts
}

// inlineImage reads a local photo and returns it as a data URL, or "" when
// the file is unreadable (the extraction still runs text-only).
func inlineImage(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
