// Package supervisor implements the restart policy for the relay's
// long-lived daemons (proxy, admin HTTP server, bot): fatal before the daemon has ever
// reported started, restart up to ten times after it has, then fatal.
package supervisor

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const maxPostStartFailures = 10

// Daemon is a supervised long-lived task. Run blocks until ctx is
// canceled or a fatal error occurs. Started reports whether the daemon
// has reached a point where it's servicing traffic — used to distinguish
// an init failure (fatal immediately) from a post-start failure (subject
// to the restart budget).
type Daemon interface {
	Run(ctx context.Context) error
	Started() bool
}

// Supervisor runs a set of named daemons, restarting each independently
// per the policy above, until ctx is canceled or one exhausts its restart
// budget.
type Supervisor struct {
	logger *zap.Logger
}

// New builds a Supervisor.
func New(logger *zap.Logger) *Supervisor {
	return &Supervisor{logger: logger}
}

// Run starts every daemon concurrently and blocks until ctx is canceled or
// any one of them fails permanently, in which case its error is returned
// and the remaining daemons are left running (the caller is expected to
// cancel ctx to shut them all down).
func (s *Supervisor) Run(ctx context.Context, daemons map[string]Daemon) error {
	errCh := make(chan error, len(daemons))
	for name, d := range daemons {
		go func(name string, d Daemon) {
			errCh <- s.supervise(ctx, name, d)
		}(name, d)
	}

	for range daemons {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// supervise runs one daemon, restarting it per the started-flag policy,
// until ctx is canceled or the daemon fails permanently.
func (s *Supervisor) supervise(ctx context.Context, name string, d Daemon) error {
	failures := 0
	for {
		err := d.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}

		if !d.Started() {
			return fmt.Errorf("supervisor: %s failed before reporting started: %w", name, err)
		}

		failures++
		s.logger.Error("daemon failed, restarting",
			zap.String("daemon", name), zap.Int("failures", failures), zap.Error(err))
		if failures > maxPostStartFailures {
			return fmt.Errorf("supervisor: %s exceeded %d post-start restarts: %w", name, maxPostStartFailures, err)
		}
	}
}
