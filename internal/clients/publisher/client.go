package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/driftpost/driftpost-backend/internal/logger"
	pkgerrors "github.com/driftpost/driftpost-backend/internal/pkg/errors"
)

// PublishRequest is the destination-facing projection of a queue entry.
type PublishRequest struct {
	Account  string   `json:"account"`
	Caption  string   `json:"caption"`
	Tags     []string `json:"tags,omitempty"`
	MediaURI string   `json:"media_uri"`
	Kind     string   `json:"kind"`
}

// Metrics is one engagement snapshot for a published post.
type Metrics struct {
	Likes    int       `json:"likes"`
	Comments int       `json:"comments"`
	Shares   int       `json:"shares"`
	Saves    int       `json:"saves"`
	Reach    int       `json:"reach"`
	TakenAt  time.Time `json:"taken_at"`
}

// Client talks to the social publishing platform. Failures come back
// classified; metrics are only available after MinObservationDelay.
type Client interface {
	Publish(ctx context.Context, destination string, req PublishRequest) (string, error)
	CollectPerformance(ctx context.Context, platformID string) (*Metrics, error)
	MinObservationDelay() time.Duration
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	httpClient *http.Client
	minDelay   time.Duration
}

func NewClient(log *logger.Logger) (Client, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	apiKey := strings.TrimSpace(os.Getenv("PUBLISHER_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing PUBLISHER_API_KEY")
	}
	baseURL := strings.TrimSpace(os.Getenv("PUBLISHER_BASE_URL"))
	if baseURL == "" {
		return nil, fmt.Errorf("missing PUBLISHER_BASE_URL")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeoutSec := 60
	if v := os.Getenv("PUBLISHER_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}
	minDelayMin := 60
	if v := os.Getenv("PUBLISHER_MIN_OBSERVATION_MINUTES"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			minDelayMin = parsed
		}
	}

	return &client{
		log:        log.With("service", "PublisherClient"),
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		minDelay:   time.Duration(minDelayMin) * time.Minute,
	}, nil
}

func (c *client) MinObservationDelay() time.Duration { return c.minDelay }

func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return pkgerrors.PermanentTechnical(err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return pkgerrors.PermanentTechnical(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pkgerrors.Transient(err)
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return pkgerrors.Transient(readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(resp, raw)
	}
	if out == nil {
		return nil
	}
	if uErr := json.Unmarshal(raw, out); uErr != nil {
		return pkgerrors.PermanentTechnical(fmt.Errorf("publisher decode error: %w", uErr))
	}
	return nil
}

func classifyStatus(resp *http.Response, raw []byte) error {
	base := fmt.Errorf("publisher http %d: %s", resp.StatusCode, string(raw))
	lower := strings.ToLower(string(raw))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		var reset time.Duration
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(strings.TrimSpace(ra)); err == nil && secs > 0 {
				reset = time.Duration(secs) * time.Second
			}
		}
		if strings.Contains(lower, "quota") {
			return pkgerrors.QuotaExhausted(base)
		}
		return pkgerrors.RateLimited(base, reset)
	case resp.StatusCode == http.StatusForbidden && strings.Contains(lower, "quota"):
		return pkgerrors.QuotaExhausted(base)
	case resp.StatusCode == http.StatusUnprocessableEntity &&
		(strings.Contains(lower, "policy") || strings.Contains(lower, "violation")):
		return pkgerrors.PermanentContent(base)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return pkgerrors.PermanentTechnical(base)
	default:
		return pkgerrors.Transient(base)
	}
}

func (c *client) Publish(ctx context.Context, destination string, req PublishRequest) (string, error) {
	if strings.TrimSpace(destination) == "" {
		return "", pkgerrors.PermanentTechnical(fmt.Errorf("missing destination"))
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v2/"+destination+"/media", req, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", pkgerrors.Transient(fmt.Errorf("publisher returned no platform id"))
	}
	return resp.ID, nil
}

func (c *client) CollectPerformance(ctx context.Context, platformID string) (*Metrics, error) {
	if strings.TrimSpace(platformID) == "" {
		return nil, pkgerrors.PermanentTechnical(fmt.Errorf("missing platform id"))
	}
	var m Metrics
	if err := c.do(ctx, http.MethodGet, "/v2/media/"+platformID+"/insights", nil, &m); err != nil {
		return nil, err
	}
	if m.TakenAt.IsZero() {
		m.TakenAt = time.Now().UTC()
	}
	return &m, nil
}
