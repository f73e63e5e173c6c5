package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// ExitFunc is swapped out in tests.
var ExitFunc = os.Exit

type step struct {
	name string
	fn   func(ctx context.Context) error
}

// Sequence tears components down in the order they were added.
type Sequence struct {
	steps []step
}

func (s *Sequence) Add(name string, fn func(ctx context.Context) error) {
	s.steps = append(s.steps, step{name: name, fn: fn})
}

// AddFunc registers a step that cannot fail.
func (s *Sequence) AddFunc(name string, fn func()) {
	s.Add(name, func(context.Context) error {
		fn()
		return nil
	})
}

// Run executes every step even when an earlier one fails, and returns the
// joined errors.
func (s *Sequence) Run(ctx context.Context) error {
	var errs []error
	for _, st := range s.steps {
		start := time.Now()
		if err := st.fn(ctx); err != nil {
			log.Error().Err(err).Str("step", st.name).Msg("Shutdown step failed")
			errs = append(errs, fmt.Errorf("%s: %w", st.name, err))
			continue
		}
		log.Info().Str("step", st.name).Dur("took", time.Since(start)).Msg("Shutdown step complete")
	}
	return errors.Join(errs...)
}

// Exit runs the sequence with a deadline and exits non-zero if any step
// failed.
func (s *Sequence) Exit(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.Run(ctx); err != nil {
		ExitFunc(1)
		return
	}
	log.Info().Msg("Shutdown complete")
	ExitFunc(0)
}

func ShutdownWithError(err error, msg string) {
	log.Error().Err(err).Msg(msg)
	ExitFunc(1)
}
