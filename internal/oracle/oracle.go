package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrOracleUnavailable means no backend produced an analysis.
	// Callers must not write anything when they see it.
	ErrOracleUnavailable = errors.New("oracle unavailable")
	// ErrInvalidAnalysis means the backend answered but the output was
	// unusable as a whole.
	ErrInvalidAnalysis = errors.New("invalid analysis")
)

// Oracle turns a transcript into a structured Analysis.
type Oracle interface {
	Analyze(ctx context.Context, transcript string, hints Hints) (*Analysis, error)
	Name() string
}

// Chain tries a primary oracle and falls back to a secondary one. Each
// attempt is bounded by its own timeout.
type Chain struct {
	primary  Oracle
	fallback Oracle
	timeout  time.Duration
	log      *zap.Logger
}

// NewChain builds a chain. fallback may be nil. timeout<=0 gets a
// 90 second default.
func NewChain(primary, fallback Oracle, timeout time.Duration, log *zap.Logger) *Chain {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Chain{primary: primary, fallback: fallback, timeout: timeout, log: log}
}

// Analyze runs the primary oracle, then the fallback once on failure.
// Both failing yields ErrOracleUnavailable.
func (c *Chain) Analyze(ctx context.Context, transcript string, hints Hints) (*Analysis, error) {
	analysis, primaryErr := c.attempt(ctx, c.primary, transcript, hints)
	if primaryErr == nil {
		return analysis, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	c.log.Warn("primary oracle failed",
		zap.String("oracle", c.primary.Name()),
		zap.Error(primaryErr))

	if c.fallback == nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOracleUnavailable, c.primary.Name(), primaryErr)
	}

	analysis, fallbackErr := c.attempt(ctx, c.fallback, transcript, hints)
	if fallbackErr == nil {
		c.log.Info("fallback oracle served request",
			zap.String("oracle", c.fallback.Name()))
		return analysis, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	c.log.Warn("fallback oracle failed",
		zap.String("oracle", c.fallback.Name()),
		zap.Error(fallbackErr))

	return nil, fmt.Errorf("%w: %s: %v; %s: %v",
		ErrOracleUnavailable,
		c.primary.Name(), primaryErr,
		c.fallback.Name(), fallbackErr)
}

func (c *Chain) Name() string {
	return "chain"
}

func (c *Chain) attempt(ctx context.Context, o Oracle, transcript string, hints Hints) (*Analysis, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return o.Analyze(attemptCtx, transcript, hints)
}
