package genai

import (
	"errors"
	"net/http"
	"testing"
	"time"

	pkgerrors "github.com/driftpost/driftpost-backend/internal/pkg/errors"
)

func kindOf(err error) pkgerrors.FailureKind {
	var ce *pkgerrors.ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

func TestClassifyHTTP_RateLimitWithRetryAfterHeader(t *testing.T) {
	err := classifyHTTP(&httpError{StatusCode: http.StatusTooManyRequests, RetryAfter: 30 * time.Second, Body: "rate limit exceeded"})
	if kindOf(err) != pkgerrors.KindRateLimited {
		t.Fatalf("expected rate_limited, got %q", kindOf(err))
	}
	reset, ok := pkgerrors.ResetHint(err)
	if !ok || reset != 30*time.Second {
		t.Fatalf("expected 30s reset hint, got %v ok=%v", reset, ok)
	}
}

func TestClassifyHTTP_RateLimitWithBodyHint(t *testing.T) {
	err := classifyHTTP(&httpError{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error":{"message":"Rate limit reached, try again in 1.5s."}}`,
	})
	reset, ok := pkgerrors.ResetHint(err)
	if !ok || reset != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s reset hint from body, got %v ok=%v", reset, ok)
	}
}

func TestClassifyHTTP_QuotaLanguageBeatsRateLimit(t *testing.T) {
	err := classifyHTTP(&httpError{StatusCode: http.StatusTooManyRequests, Body: "You exceeded your current quota"})
	if kindOf(err) != pkgerrors.KindQuotaExhausted {
		t.Fatalf("expected quota_exhausted, got %q", kindOf(err))
	}
}

func TestClassifyHTTP_ModerationIsPermanentContent(t *testing.T) {
	err := classifyHTTP(&httpError{StatusCode: http.StatusBadRequest, Body: "rejected by moderation system"})
	if kindOf(err) != pkgerrors.KindPermanentContent {
		t.Fatalf("expected permanent_content, got %q", kindOf(err))
	}
}

func TestClassifyHTTP_Plain4xxIsPermanentTechnical(t *testing.T) {
	err := classifyHTTP(&httpError{StatusCode: http.StatusNotFound, Body: "model not found"})
	if kindOf(err) != pkgerrors.KindPermanentTechnical {
		t.Fatalf("expected permanent_technical, got %q", kindOf(err))
	}
}

func TestClassifyHTTP_ServerErrorIsTransient(t *testing.T) {
	err := classifyHTTP(&httpError{StatusCode: http.StatusBadGateway, Body: "upstream unavailable"})
	if kindOf(err) != pkgerrors.KindTransient {
		t.Fatalf("expected transient, got %q", kindOf(err))
	}
}

func TestExtractOutputText_JoinsMessageContent(t *testing.T) {
	resp := responsesResponse{}
	resp.Output = []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}{
		{
			Type: "reasoning",
		},
		{
			Type: "message",
			Content: []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}{
				{Type: "output_text", Text: "hello "},
				{Type: "output_text", Text: "world"},
			},
		},
	}
	if got := extractOutputText(resp); got != "hello world" {
		t.Fatalf("unexpected extraction: %q", got)
	}
}
