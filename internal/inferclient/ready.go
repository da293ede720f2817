package inferclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/shinji-kodama/treeserve/internal/logging"
)

// WaitReady polls c every interval until the server and every named model
// report ready. It returns an error wrapping ErrNotReady when timeout
// elapses first, naming what was still pending. Transport errors count as
// not ready; the server is usually still starting.
func WaitReady(ctx context.Context, c Client, models []string, timeout, interval time.Duration, log *zap.Logger) error {
	log = logging.OrNop(log)
	if interval <= 0 {
		interval = time.Second
	}

	deadline := time.Now().Add(timeout)
	attempt := 0
	for {
		attempt++
		pending, err := pendingReadiness(ctx, c, models, interval)
		if pending == "" {
			log.Info("server ready", zap.Int("attempts", attempt), zap.Strings("models", models))
			return nil
		}
		fields := []zap.Field{zap.Int("attempt", attempt), zap.String("waiting_for", pending)}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		log.Debug("not ready yet", fields...)

		if !time.Now().Add(interval).Before(deadline) {
			if err != nil {
				return fmt.Errorf("%w after %s: waiting for %s: %v", ErrNotReady, timeout, pending, err)
			}
			return fmt.Errorf("%w after %s: waiting for %s", ErrNotReady, timeout, pending)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// pendingReadiness returns a description of the first component that is not
// ready, or "" when everything is.
func pendingReadiness(ctx context.Context, c Client, models []string, probeTimeout time.Duration) (string, error) {
	probe := func(f func(context.Context) (bool, error)) (bool, error) {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		return f(pctx)
	}

	ok, err := probe(c.ServerReady)
	if err != nil || !ok {
		return "server", err
	}
	for _, m := range models {
		ok, err := probe(func(ctx context.Context) (bool, error) {
			return c.ModelReady(ctx, m, "")
		})
		if err != nil || !ok {
			return "model " + m, err
		}
	}
	return "", nil
}
