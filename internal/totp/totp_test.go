package totp

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Base32 test secret, same shape as authenticator app enrollments.
const testSecret = "JBSWY3DPEHPK3PXP"

func newTestProvider(t *testing.T, at time.Time) *Provider {
	t.Helper()
	p, err := NewProvider(slog.New(slog.NewTextHandler(io.Discard, nil)), testSecret)
	require.NoError(t, err)
	p.now = func() time.Time { return at }
	return p
}

func TestNewProviderRequiresSecret(t *testing.T) {
	_, err := NewProvider(slog.New(slog.NewTextHandler(io.Discard, nil)), "")
	require.Error(t, err)
}

func TestNextReturnsCode(t *testing.T) {
	p := newTestProvider(t, time.Unix(1_700_000_000, 0))

	code, err := p.Next(context.Background())
	require.NoError(t, err)
	require.Len(t, code, 6)
}

func TestNextDifferentWindowsDifferentCodes(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).Truncate(Period)
	p := newTestProvider(t, base)

	first, err := p.Next(context.Background())
	require.NoError(t, err)

	p.now = func() time.Time { return base.Add(Period) }
	second, err := p.Next(context.Background())
	require.NoError(t, err)

	require.NotEqual(t, first, second)
}

func TestNextSameWindowBlocksUntilRollover(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).Truncate(Period)
	current := base
	p := newTestProvider(t, base)
	p.now = func() time.Time { return current }

	_, err := p.Next(context.Background())
	require.NoError(t, err)

	// Second call in the same window must not return the same code; with a
	// cancelled context it gives up while waiting for the next window.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWaitNextWindowUnblocksAtBoundary(t *testing.T) {
	// 50ms before the window boundary; the wait must return around then.
	boundary := time.Now().Truncate(Period).Add(Period)
	p := newTestProvider(t, boundary.Add(-50*time.Millisecond))

	start := time.Now()
	require.NoError(t, p.WaitNextWindow(context.Background()))
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestWaitNextWindowHonorsContext(t *testing.T) {
	p := newTestProvider(t, time.Now().Truncate(Period))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, p.WaitNextWindow(ctx), context.Canceled)
}

func TestWindowOrdinal(t *testing.T) {
	at := time.Unix(1_700_000_010, 0).Truncate(Period)
	require.Equal(t, window(at), window(at.Add(29*time.Second)))
	require.NotEqual(t, window(at), window(at.Add(Period)))
}
