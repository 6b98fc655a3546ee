// Package totp issues time-based one-time codes for release confirmation.
// The provider enforces the rotation contract: a retried call never reuses
// the code of a previously issued window.
package totp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
)

// Period is the standard TOTP window length.
const Period = 30 * time.Second

// Provider generates TOTP codes from a shared secret.
type Provider struct {
	logger *slog.Logger
	secret string
	now    func() time.Time

	mu         sync.Mutex
	lastWindow int64
}

func NewProvider(logger *slog.Logger, secret string) (*Provider, error) {
	if secret == "" {
		return nil, fmt.Errorf("totp secret is not configured")
	}

	return &Provider{
		logger:     logger,
		secret:     secret,
		now:        time.Now,
		lastWindow: -1,
	}, nil
}

func window(t time.Time) int64 {
	return t.Unix() / int64(Period.Seconds())
}

// Next returns a fresh one-time code. When called again within the window of
// the previously issued code it blocks until the window rolls over, so two
// release attempts never share a code.
func (p *Provider) Next(ctx context.Context) (string, error) {
	for {
		p.mu.Lock()
		now := p.now()
		if window(now) != p.lastWindow {
			code, err := totp.GenerateCode(p.secret, now)
			if err != nil {
				p.mu.Unlock()
				return "", fmt.Errorf("failed to generate totp code: %w", err)
			}
			p.lastWindow = window(now)
			p.mu.Unlock()
			return code, nil
		}
		p.mu.Unlock()

		if err := p.WaitNextWindow(ctx); err != nil {
			return "", err
		}
	}
}

// WaitNextWindow blocks until the current TOTP window has passed. Used
// between release retries so the next attempt gets a different code.
func (p *Provider) WaitNextWindow(ctx context.Context) error {
	now := p.now()
	boundary := now.Truncate(Period).Add(Period)

	timer := time.NewTimer(boundary.Sub(now))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
