package retention

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thermobridge/thermobridge/internal/store"
)

func TestRunCyclePurgesExpiredEntryKeys(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	_, err := st.GenerateEntryKey(ctx, "DEV001", -time.Second)
	require.NoError(t, err)

	j := NewJanitor(st, time.Hour)
	j.runCycle(ctx)

	removed, err := st.DeleteExpiredEntryKeys(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 0, removed, "the janitor cycle should already have purged the expired code")
}

func TestNewJanitorRaisesSubMinuteIntervals(t *testing.T) {
	st := store.NewMemoryStore()
	j := NewJanitor(st, time.Second)
	require.Equal(t, time.Hour, j.interval)
}
