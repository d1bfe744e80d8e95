package trading

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

// Matcher is the single consumer of the matching loop. Triggers arriving
// while a run is in progress coalesce into one follow-up run, and a periodic
// sweep picks up anything a failed run left crossed.
type Matcher struct {
	service  *Service
	interval time.Duration
	trigger  chan struct{}
	t        *tomb.Tomb
}

func NewMatcher(service *Service, interval time.Duration) *Matcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &Matcher{
		service:  service,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Start runs the loop until ctx is done or Stop is called
func (m *Matcher) Start(ctx context.Context) {
	t, ctx := tomb.WithContext(ctx)
	m.t = t
	t.Go(func() error {
		return m.loop(ctx)
	})
}

// Trigger asks for a matching run without waiting for it
func (m *Matcher) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Stop ends the loop and waits for the current run to finish
func (m *Matcher) Stop() error {
	if m.t == nil {
		return nil
	}
	m.t.Kill(nil)
	return m.t.Wait()
}

func (m *Matcher) loop(ctx context.Context) error {
	logger := log.With().Str("component", "matcher").Logger()
	logger.Info().Dur("interval", m.interval).Msg("starting matcher")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.t.Dying():
			logger.Info().Msg("shutting down matcher")
			return nil
		case <-m.trigger:
		case <-ticker.C:
		}

		if err := m.service.RunMatching(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("matching run failed")
		}
	}
}
