package limiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metabuilder/pkg/config"
)

func TestReserveTokensWithinQuota(t *testing.T) {
	l := NewLimiter(config.QuotaConfig{DailyTokens: 100, DailyCostUSD: 10})

	require.NoError(t, l.ReserveTokens(60))
	require.NoError(t, l.ReserveTokens(40))
	assert.ErrorIs(t, l.ReserveTokens(1), ErrTokenQuotaExceeded)

	usage := l.GetUsage()
	assert.Equal(t, int64(100), usage.TokensUsed)
}

func TestRecordCostQuota(t *testing.T) {
	l := NewLimiter(config.QuotaConfig{DailyTokens: 100, DailyCostUSD: 5})

	require.NoError(t, l.RecordCost(4.5))
	assert.ErrorIs(t, l.RecordCost(1.0), ErrCostQuotaExceeded)
}

func TestCountersResetOnUTCDayRollover(t *testing.T) {
	current := time.Date(2026, 3, 1, 23, 50, 0, 0, time.UTC)
	l := NewLimiterWithClock(config.QuotaConfig{DailyTokens: 100, DailyCostUSD: 10}, func() time.Time {
		return current
	})

	require.NoError(t, l.ReserveTokens(100))
	assert.ErrorIs(t, l.ReserveTokens(1), ErrTokenQuotaExceeded)

	// Cross UTC midnight.
	current = time.Date(2026, 3, 2, 0, 1, 0, 0, time.UTC)
	require.NoError(t, l.ReserveTokens(100))

	usage := l.GetUsage()
	assert.Equal(t, "2026-03-02", usage.Day)
	assert.Equal(t, int64(100), usage.TokensUsed)
}
