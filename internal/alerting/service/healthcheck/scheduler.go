package healthcheck

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Scorer yields a 0..1 health score for a component.
type Scorer interface {
	HealthScore(ctx context.Context, component string) (float64, error)
}

// Monitor keeps the last known health score per component so metric snapshots never block on Prometheus.
type Monitor struct {
	scorer     Scorer
	components []string

	mu     sync.RWMutex
	scores map[string]float64
}

func NewMonitor(scorer Scorer, components []string) *Monitor {
	return &Monitor{
		scorer:     scorer,
		components: HealthComponents(components),
		scores:     make(map[string]float64),
	}
}

// Refresh scores every component once. Components whose probe fails keep their previous score.
func (m *Monitor) Refresh(ctx context.Context) int {
	fresh := make(map[string]float64, len(m.components))
	for _, c := range m.components {
		score, err := m.scorer.HealthScore(ctx, c)
		if err != nil {
			log.Warn().Err(err).Str("target", c).Msg("component health probe failed")
			continue
		}
		fresh[c] = score
	}

	m.mu.Lock()
	for c, s := range fresh {
		m.scores[c] = s
	}
	m.mu.Unlock()
	return len(fresh)
}

// ComponentHealth returns a copy of the cached scores.
func (m *Monitor) ComponentHealth(ctx context.Context) map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.scores))
	for c, s := range m.scores {
		out[c] = s
	}
	return out
}

// StartScheduler refreshes the cache immediately and then on every interval until ctx is done.
func (m *Monitor) StartScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m.Refresh(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.Refresh(ctx); n == 0 && len(m.components) > 0 {
				log.Error().Int("components", len(m.components)).Msg("healthcheck refresh failed for every component")
			}
		}
	}
}
