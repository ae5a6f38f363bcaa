package barrier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/RWTH-EBC/PHOENAIX/internal/protocol"
)

// ErrAborted is returned by Run when a phase times out under the abort
// policy.
var ErrAborted = errors.New("phase aborted")

// Timeout policies.
const (
	OnTimeoutSkip  = "skip"
	OnTimeoutAbort = "abort"
)

// Policy decides what happens when a barrier wait times out.
type Policy struct {
	OnTimeout      string // OnTimeoutSkip (default) or OnTimeoutAbort
	RetryBroadcast bool   // Re-send the signal once before giving up
}

// Broadcast sends the signal that starts a phase.
type Broadcast func(ctx context.Context) error

// Run executes one phase behind b and returns the participants that were
// treated as absent. The barrier is armed for sig before the broadcast so
// no early notification is lost, and reset before Run returns.
func Run(ctx context.Context, b *Barrier, sig protocol.Signal, policy Policy, broadcast Broadcast, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("barrier", b.Name())

	b.ArmFor(sig)
	defer b.Reset()

	if err := broadcast(ctx); err != nil {
		return nil, fmt.Errorf("broadcast %s: %w", b.Name(), err)
	}

	err := b.Wait(ctx)
	var timeout *TimeoutError
	if errors.As(err, &timeout) && policy.RetryBroadcast {
		logger.Warn("barrier timed out, re-broadcasting", "missing", timeout.Missing)
		if err := broadcast(ctx); err != nil {
			return nil, fmt.Errorf("re-broadcast %s: %w", b.Name(), err)
		}
		err = b.Wait(ctx)
	}

	switch {
	case err == nil:
		return nil, nil
	case errors.As(err, &timeout):
		if policy.OnTimeout == OnTimeoutAbort {
			logger.Error("barrier timed out, aborting phase", "missing", timeout.Missing)
			return timeout.Missing, fmt.Errorf("%w: %v", ErrAborted, timeout)
		}
		logger.Warn("barrier timed out, skipping absent participants", "missing", timeout.Missing)
		return timeout.Missing, nil
	default:
		return nil, err
	}
}
