package genai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/driftpost/driftpost-backend/internal/logger"
	pkgerrors "github.com/driftpost/driftpost-backend/internal/pkg/errors"
)

// Evaluation is the structured verdict returned by the judge model.
type Evaluation struct {
	Breakdown map[string]float64 `json:"breakdown"`
	Overall   float64            `json:"overall_score"`
	Feedback  string             `json:"feedback"`
}

// MediaSpec describes one synthesis request. Kind selects the backend route
// (photo/carousel/story render as stills, video goes through the async job API).
type MediaSpec struct {
	Kind            string
	Prompt          string
	Size            string
	DurationSeconds int
}

type MediaResult struct {
	Bytes    []byte
	MimeType string
	URL      string
}

// PollConfig bounds the async media polling loop per media kind.
type PollConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Client is the generative backend used by the pipeline stage executors.
// Calls return classified errors; retrying is the retry engine's job, never
// the client's, so a failure is only ever counted once.
type Client interface {
	GenerateText(ctx context.Context, system string, user string) (string, error)
	EvaluateQuality(ctx context.Context, payload string, criteria map[string]float64) (*Evaluation, error)
	SynthesizeMedia(ctx context.Context, spec MediaSpec) (*MediaResult, error)
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	textModel  string
	evalModel  string
	imageModel string
	videoModel string
	imageSize  string
	videoSize  string
	httpClient *http.Client
	imagePoll  PollConfig
	videoPoll  PollConfig
}

func NewClient(log *logger.Logger) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	apiKey := strings.TrimSpace(os.Getenv("GENAI_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing GENAI_API_KEY")
	}
	baseURL := strings.TrimSpace(os.Getenv("GENAI_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	textModel := strings.TrimSpace(os.Getenv("GENAI_TEXT_MODEL"))
	if textModel == "" {
		textModel = "gpt-5.2"
	}
	evalModel := strings.TrimSpace(os.Getenv("GENAI_EVAL_MODEL"))
	if evalModel == "" {
		evalModel = textModel
	}
	imageModel := strings.TrimSpace(os.Getenv("GENAI_IMAGE_MODEL"))
	if imageModel == "" {
		imageModel = "gpt-image-1"
	}
	videoModel := strings.TrimSpace(os.Getenv("GENAI_VIDEO_MODEL"))
	if videoModel == "" {
		videoModel = "sora-2"
	}
	imageSize := strings.TrimSpace(os.Getenv("GENAI_IMAGE_SIZE"))
	if imageSize == "" {
		imageSize = "1024x1024"
	}
	videoSize := strings.TrimSpace(os.Getenv("GENAI_VIDEO_SIZE"))
	if videoSize == "" {
		videoSize = "1280x720"
	}

	timeoutSec := 180
	if v := os.Getenv("GENAI_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	return &client{
		log:        log.With("service", "GenAIClient"),
		baseURL:    baseURL,
		apiKey:     apiKey,
		textModel:  textModel,
		evalModel:  evalModel,
		imageModel: imageModel,
		videoModel: videoModel,
		imageSize:  imageSize,
		videoSize:  videoSize,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		imagePoll:  pollConfigFromEnv("GENAI_IMAGE_POLL", 2*time.Second, 2*time.Minute),
		videoPoll:  pollConfigFromEnv("GENAI_VIDEO_POLL", 5*time.Second, 10*time.Minute),
	}, nil
}

func pollConfigFromEnv(prefix string, defInterval, defTimeout time.Duration) PollConfig {
	cfg := PollConfig{Interval: defInterval, Timeout: defTimeout}
	if v := os.Getenv(prefix + "_INTERVAL_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			cfg.Interval = time.Duration(parsed) * time.Second
		}
	}
	if v := os.Getenv(prefix + "_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			cfg.Timeout = time.Duration(parsed) * time.Second
		}
	}
	return cfg
}

// -------------------- transport --------------------

type httpError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("genai http %d: %s", e.StatusCode, e.Body)
}

func (c *client) doOnce(ctx context.Context, method, path string, body any) ([]byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, pkgerrors.PermanentTechnical(err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return nil, pkgerrors.PermanentTechnical(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, pkgerrors.Transient(err)
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, pkgerrors.Transient(readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		herr := &httpError{StatusCode: resp.StatusCode, Body: truncateBody(raw)}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(strings.TrimSpace(ra)); perr == nil && secs > 0 {
				herr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return raw, classifyHTTP(herr)
	}
	return raw, nil
}

func (c *client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	raw, err := c.doOnce(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if uErr := json.Unmarshal(raw, out); uErr != nil {
		return pkgerrors.PermanentTechnical(fmt.Errorf("genai decode error: %w", uErr))
	}
	return nil
}

var resetHintRe = regexp.MustCompile(`try again in (\d+\.?\d*)s`)

/*
classifyHTTP maps a provider HTTP failure onto the shared taxonomy:
	- 429: rate-limited, carrying the provider reset hint when one is present
	  (Retry-After header or "try again in Ns" in the body, the original
	  backend signals both ways);
	- quota/billing language on 402/403/429: quota-exhausted, resets on the
	  provider's schedule, not immediately retryable;
	- moderation/safety rejections on 400: permanent-content, never retried;
	- other 4xx: permanent-technical (malformed request);
	- 5xx: transient.
*/
func classifyHTTP(e *httpError) error {
	lower := strings.ToLower(e.Body)
	quota := strings.Contains(lower, "quota") || strings.Contains(lower, "billing")
	switch {
	case e.StatusCode == http.StatusTooManyRequests && quota:
		return pkgerrors.QuotaExhausted(e)
	case e.StatusCode == http.StatusTooManyRequests:
		reset := e.RetryAfter
		if reset == 0 {
			if m := resetHintRe.FindStringSubmatch(e.Body); len(m) == 2 {
				if secs, err := strconv.ParseFloat(m[1], 64); err == nil && secs > 0 {
					reset = time.Duration(secs * float64(time.Second))
				}
			}
		}
		return pkgerrors.RateLimited(e, reset)
	case (e.StatusCode == http.StatusPaymentRequired || e.StatusCode == http.StatusForbidden) && quota:
		return pkgerrors.QuotaExhausted(e)
	case e.StatusCode == http.StatusBadRequest &&
		(strings.Contains(lower, "moderation") || strings.Contains(lower, "content_policy") || strings.Contains(lower, "safety")):
		return pkgerrors.PermanentContent(e)
	case e.StatusCode >= 400 && e.StatusCode < 500:
		return pkgerrors.PermanentTechnical(e)
	default:
		return pkgerrors.Transient(e)
	}
}

func truncateBody(raw []byte) string {
	const maxLen = 2048
	if len(raw) <= maxLen {
		return string(raw)
	}
	return string(raw[:maxLen]) + "...(truncated)"
}

// -------------------- text --------------------

type responsesRequest struct {
	Model        string `json:"model"`
	Instructions string `json:"instructions,omitempty"`
	Input        string `json:"input"`
	Text         any    `json:"text,omitempty"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
}

func extractOutputText(resp responsesResponse) string {
	var sb strings.Builder
	for _, out := range resp.Output {
		if out.Type != "message" {
			continue
		}
		for _, content := range out.Content {
			if content.Type == "output_text" {
				sb.WriteString(content.Text)
			}
		}
	}
	return sb.String()
}

func (c *client) GenerateText(ctx context.Context, system string, user string) (string, error) {
	req := responsesRequest{
		Model:        c.textModel,
		Instructions: system,
		Input:        user,
	}
	var resp responsesResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/responses", req, &resp); err != nil {
		return "", err
	}
	text := strings.TrimSpace(extractOutputText(resp))
	if text == "" {
		return "", pkgerrors.Transient(fmt.Errorf("genai returned empty output"))
	}
	return text, nil
}

// -------------------- evaluation --------------------

const evalSystemPrompt = `You are a strict quality judge for social media content.
Score each criterion from 0 to 10, compute the weighted overall score, and give
one short paragraph of actionable feedback. Return only the JSON object.`

func (c *client) EvaluateQuality(ctx context.Context, payload string, criteria map[string]float64) (*Evaluation, error) {
	props := map[string]any{}
	required := make([]string, 0, len(criteria))
	for name := range criteria {
		props[name] = map[string]any{"type": "number"}
		required = append(required, name)
	}
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"breakdown": map[string]any{
				"type":                 "object",
				"properties":           props,
				"required":             required,
				"additionalProperties": false,
			},
			"overall_score": map[string]any{"type": "number"},
			"feedback":      map[string]any{"type": "string"},
		},
		"required":             []string{"breakdown", "overall_score", "feedback"},
		"additionalProperties": false,
	}

	criteriaDesc, _ := json.Marshal(criteria)
	req := responsesRequest{
		Model:        c.evalModel,
		Instructions: evalSystemPrompt,
		Input:        fmt.Sprintf("Criteria weights: %s\n\nContent to evaluate:\n%s", string(criteriaDesc), payload),
		Text: map[string]any{
			"format": map[string]any{
				"type":   "json_schema",
				"name":   "quality_evaluation",
				"schema": schema,
				"strict": true,
			},
		},
	}
	var resp responsesResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/responses", req, &resp); err != nil {
		return nil, err
	}
	raw := strings.TrimSpace(extractOutputText(resp))
	var eval Evaluation
	if err := json.Unmarshal([]byte(raw), &eval); err != nil {
		return nil, pkgerrors.PermanentTechnical(fmt.Errorf("evaluation decode error: %w", err))
	}
	return &eval, nil
}

// -------------------- media --------------------

func (c *client) SynthesizeMedia(ctx context.Context, spec MediaSpec) (*MediaResult, error) {
	if strings.TrimSpace(spec.Prompt) == "" {
		return nil, pkgerrors.PermanentTechnical(fmt.Errorf("media spec missing prompt"))
	}
	if spec.Kind == "video" {
		return c.synthesizeVideo(ctx, spec)
	}
	return c.synthesizeImage(ctx, spec)
}

func (c *client) synthesizeImage(ctx context.Context, spec MediaSpec) (*MediaResult, error) {
	size := spec.Size
	if size == "" {
		size = c.imageSize
	}
	req := map[string]any{
		"model":  c.imageModel,
		"prompt": spec.Prompt,
		"size":   size,
		"n":      1,
	}
	var resp struct {
		Data []struct {
			B64 string `json:"b64_json"`
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/images/generations", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, pkgerrors.Transient(fmt.Errorf("image generation returned no data"))
	}
	out := &MediaResult{MimeType: "image/png", URL: resp.Data[0].URL}
	if resp.Data[0].B64 != "" {
		b, err := base64.StdEncoding.DecodeString(resp.Data[0].B64)
		if err != nil {
			return nil, pkgerrors.PermanentTechnical(fmt.Errorf("image b64 decode: %w", err))
		}
		out.Bytes = b
	}
	return out, nil
}

/*
synthesizeVideo drives the async job API: create, then poll on a bounded
interval until the job resolves or the poll timeout elapses. A poll timeout is
a transient failure, the retry engine decides whether the whole stage runs
again; it is never a separate code path.
*/
func (c *client) synthesizeVideo(ctx context.Context, spec MediaSpec) (*MediaResult, error) {
	size := spec.Size
	if size == "" {
		size = c.videoSize
	}
	createReq := map[string]any{
		"model":  c.videoModel,
		"prompt": spec.Prompt,
		"size":   size,
	}
	if spec.DurationSeconds > 0 {
		createReq["seconds"] = strconv.Itoa(spec.DurationSeconds)
	}
	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/videos", createReq, &created); err != nil {
		return nil, err
	}
	if created.ID == "" {
		return nil, pkgerrors.Transient(fmt.Errorf("video create returned no job id"))
	}

	deadline := time.Now().Add(c.videoPoll.Timeout)
	ticker := time.NewTicker(c.videoPoll.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, pkgerrors.Transient(ctx.Err())
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return nil, pkgerrors.Transient(fmt.Errorf("video job %s polling timed out after %s", created.ID, c.videoPoll.Timeout))
		}
		var status struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Error  *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := c.doJSON(ctx, http.MethodGet, "/v1/videos/"+created.ID, nil, &status); err != nil {
			return nil, err
		}
		switch status.Status {
		case "completed", "succeeded":
			raw, err := c.doOnce(ctx, http.MethodGet, "/v1/videos/"+created.ID+"/content", nil)
			if err != nil {
				return nil, err
			}
			return &MediaResult{Bytes: raw, MimeType: "video/mp4"}, nil
		case "failed", "cancelled":
			msg := "video job failed"
			if status.Error != nil && status.Error.Message != "" {
				msg = status.Error.Message
			}
			lower := strings.ToLower(msg)
			if strings.Contains(lower, "moderation") || strings.Contains(lower, "content_policy") || strings.Contains(lower, "safety") {
				return nil, pkgerrors.PermanentContent(fmt.Errorf("%s", msg))
			}
			return nil, pkgerrors.Transient(fmt.Errorf("%s", msg))
		default:
			// queued / in_progress: keep polling
		}
	}
}
