package gemini

import (
	"testing"
	"time"
)

func TestUsageStatsAccumulate(t *testing.T) {
	c := NewClient("test-key")

	c.recordGenerateUsage(&UsageMetadata{PromptTokenCount: 1000, CandidatesTokenCount: 200})
	c.recordGenerateUsage(&UsageMetadata{PromptTokenCount: 500, CandidatesTokenCount: 100})
	c.recordGenerateUsage(nil) // missing metadata must not count as a call

	stats := c.GetUsageStats()
	if stats.PromptTokens != 1500 {
		t.Errorf("PromptTokens = %d, want 1500", stats.PromptTokens)
	}
	if stats.OutputTokens != 300 {
		t.Errorf("OutputTokens = %d, want 300", stats.OutputTokens)
	}
	if stats.GenerateCalls != 2 {
		t.Errorf("GenerateCalls = %d, want 2", stats.GenerateCalls)
	}

	wantCost := 1500*0.075/1_000_000 + 300*0.30/1_000_000
	if diff := stats.EstimatedCostUSD - wantCost; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("EstimatedCostUSD = %f, want %f", stats.EstimatedCostUSD, wantCost)
	}
}

func TestUsageStatsReset(t *testing.T) {
	c := NewClient("test-key")
	c.recordGenerateUsage(&UsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 5})
	c.ResetUsageStats()

	stats := c.GetUsageStats()
	if stats.PromptTokens != 0 || stats.OutputTokens != 0 || stats.GenerateCalls != 0 || stats.EstimatedCostUSD != 0 {
		t.Errorf("stats not cleared: %+v", stats)
	}
}

func TestCalculateBackoffBounds(t *testing.T) {
	for attempt := 1; attempt <= maxRetries; attempt++ {
		for i := 0; i < 20; i++ {
			b := calculateBackoff(attempt)
			if b < 0 {
				t.Fatalf("attempt %d: negative backoff %v", attempt, b)
			}
			// Cap plus 25% jitter.
			limit := maxBackoff + maxBackoff/4
			if b > limit {
				t.Fatalf("attempt %d: backoff %v exceeds %v", attempt, b, limit)
			}
		}
	}
	if calculateBackoff(1) > time.Second {
		t.Error("first backoff unexpectedly above 1s")
	}
}

func TestIsRetryableStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503} {
		if !isRetryableStatus(code) {
			t.Errorf("status %d should be retryable", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404} {
		if isRetryableStatus(code) {
			t.Errorf("status %d should not be retryable", code)
		}
	}
}
