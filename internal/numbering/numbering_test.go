package numbering

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFormatAndParse(t *testing.T) {
	require.Equal(t, "AP-2024-007", Format(2024, 7))
	require.Equal(t, "AP-2024-1234", Format(2024, 1234))

	year, seq, ok := Parse("AP-2024-042")
	require.True(t, ok)
	require.Equal(t, 2024, year)
	require.Equal(t, 42, seq)

	_, _, ok = Parse("AP-24-1")
	require.False(t, ok)
	_, _, ok = Parse("legacy-17")
	require.False(t, ok)
}

func TestScanIncrementsWithinYear(t *testing.T) {
	existing := []string{"AP-2024-001", "AP-2024-010", "AP-2023-099", "junk"}
	require.Equal(t, "AP-2024-011", Scan(existing, 2024))
	require.Equal(t, "AP-2025-001", Scan(existing, 2025), "numbers reset in a new year")
	require.Equal(t, "AP-2024-001", Scan(nil, 2024))
}

func TestScanIsStrictlyIncreasing(t *testing.T) {
	var issued []string
	for i := 0; i < 12; i++ {
		issued = append(issued, Scan(issued, 2024))
	}
	for i := 1; i < len(issued); i++ {
		_, prev, _ := Parse(issued[i-1])
		_, cur, _ := Parse(issued[i])
		require.Equal(t, prev+1, cur)
	}
	require.Equal(t, "AP-2024-012", issued[len(issued)-1])
}

func TestRedisSequencer(t *testing.T) {
	url := os.Getenv("SITESIGN_TEST_REDIS_URL")
	if url == "" {
		t.Skip("SITESIGN_TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := DialRedis(ctx, url)
	require.NoError(t, err)
	defer client.Close()

	seq := RedisSequencer{Client: client, KeyPrefix: "sitesign-test:" + t.Name() + ":"}
	require.NoError(t, client.Del(ctx, seq.key(2024)).Err())

	first, err := seq.Next(ctx, 2024, 5)
	require.NoError(t, err)
	require.Equal(t, 6, first)
	second, err := seq.Next(ctx, 2024, 0)
	require.NoError(t, err)
	require.Equal(t, 7, second)
}
