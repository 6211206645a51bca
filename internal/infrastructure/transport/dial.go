package transport

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"vidtap/pkg/retry"
)

// Dial opens a client-side connection to a controller socket, retrying with
// backoff while the controller is still binding. Used by target-side tooling
// and by tests acting as fake targets.
func Dial(ctx context.Context, path string, timeout time.Duration, logger *zap.SugaredLogger) (*Connection, error) {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 5
	cfg.InitialDelay = 50 * time.Millisecond
	cfg.MaxDelay = time.Second

	dialer := net.Dialer{Timeout: timeout}

	conn, err := retry.RetryWithResult(ctx, cfg, func() (net.Conn, error) {
		return dialer.DialContext(ctx, "unix", path)
	})
	if err != nil {
		return nil, err
	}

	return NewConnection(conn, logger), nil
}
