// Package limiter provides daily quota accounting for resource-heavy
// pipeline sub-steps and LLM token spend.
package limiter

import (
	"fmt"
	"sync"
	"time"

	"metabuilder/pkg/config"
)

var (
	// ErrTokenQuotaExceeded is returned when the daily token quota is spent.
	ErrTokenQuotaExceeded = fmt.Errorf("daily token quota exceeded")
	// ErrCostQuotaExceeded is returned when the daily cost quota is spent.
	ErrCostQuotaExceeded = fmt.Errorf("daily cost quota exceeded")
)

// Limiter tracks daily token and cost spend under a single mutex. Counters
// reset once per UTC day, checked lazily on each reservation.
type Limiter struct {
	mu           sync.Mutex
	day          string
	tokensUsed   int64
	costUSDUsed  float64
	dailyTokens  int64
	dailyCostUSD float64
	now          func() time.Time
}

// NewLimiter creates a limiter from config.
func NewLimiter(cfg config.QuotaConfig) *Limiter {
	return NewLimiterWithClock(cfg, time.Now)
}

// NewLimiterWithClock creates a limiter with an injected clock for tests.
func NewLimiterWithClock(cfg config.QuotaConfig, now func() time.Time) *Limiter {
	l := &Limiter{
		dailyTokens:  cfg.DailyTokens,
		dailyCostUSD: cfg.DailyCostUSD,
		now:          now,
	}
	l.day = l.currentDay()
	return l
}

func (l *Limiter) currentDay() string {
	return l.now().UTC().Format("2006-01-02")
}

// resetIfNewDay zeroes counters when the UTC day has rolled over.
// Caller must hold the mutex.
func (l *Limiter) resetIfNewDay() {
	day := l.currentDay()
	if day != l.day {
		l.day = day
		l.tokensUsed = 0
		l.costUSDUsed = 0
	}
}

// ReserveTokens accounts tokens against the daily quota.
func (l *Limiter) ReserveTokens(tokens int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetIfNewDay()
	if l.tokensUsed+tokens > l.dailyTokens {
		return fmt.Errorf("reserving %d tokens over %d used: %w", tokens, l.tokensUsed, ErrTokenQuotaExceeded)
	}
	l.tokensUsed += tokens
	return nil
}

// RecordCost accounts spend against the daily cost quota.
func (l *Limiter) RecordCost(usd float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetIfNewDay()
	if l.costUSDUsed+usd > l.dailyCostUSD {
		return fmt.Errorf("recording $%.2f over $%.2f used: %w", usd, l.costUSDUsed, ErrCostQuotaExceeded)
	}
	l.costUSDUsed += usd
	return nil
}

// Usage is a snapshot of the day's spend.
type Usage struct {
	Day          string  `json:"day"`
	TokensUsed   int64   `json:"tokens_used"`
	DailyTokens  int64   `json:"daily_tokens"`
	CostUSDUsed  float64 `json:"cost_usd_used"`
	DailyCostUSD float64 `json:"daily_cost_usd"`
}

// GetUsage returns the current day's usage.
func (l *Limiter) GetUsage() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetIfNewDay()
	return Usage{
		Day:          l.day,
		TokensUsed:   l.tokensUsed,
		DailyTokens:  l.dailyTokens,
		CostUSDUsed:  l.costUSDUsed,
		DailyCostUSD: l.dailyCostUSD,
	}
}
