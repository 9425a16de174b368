package remediation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/incidentops/internal/alerting/service/incident"
)

// DefaultObservationDuration applies when no window length is configured.
const DefaultObservationDuration = 30 * time.Minute

func observationKey(component string) string {
	return "observation:" + strings.ToLower(component)
}

func newWindow(component, incidentID string, duration time.Duration, now time.Time) *ObservationWindow {
	return &ObservationWindow{
		Duration:   duration,
		Component:  strings.ToLower(component),
		IncidentID: incidentID,
		StartTime:  now,
		EndTime:    now.Add(duration),
		IsActive:   true,
	}
}

// RedisObservationWindowManager implements ObservationWindowManager using Redis
type RedisObservationWindowManager struct {
	redis *redis.Client
	now   func() time.Time
}

func NewRedisObservationWindowManager(redis *redis.Client) *RedisObservationWindowManager {
	return &RedisObservationWindowManager{redis: redis, now: time.Now}
}

func (m *RedisObservationWindowManager) StartObservation(ctx context.Context, component, incidentID string, duration time.Duration) error {
	if m.redis == nil {
		return fmt.Errorf("redis client is nil")
	}

	window := newWindow(component, incidentID, duration, m.now())
	data, err := json.Marshal(window)
	if err != nil {
		return fmt.Errorf("failed to marshal observation window: %w", err)
	}

	// keep the key a little past the window so late checks still see an expired entry
	ttl := duration + 5*time.Minute
	if err := m.redis.Set(ctx, observationKey(component), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store observation window: %w", err)
	}

	log.Info().
		Str("component", incident.LogComponent).
		Str("target", window.Component).
		Str("incident_id", incidentID).
		Dur("duration", duration).
		Time("end_time", window.EndTime).
		Msg("started observation window")
	return nil
}

func (m *RedisObservationWindowManager) CheckObservation(ctx context.Context, component string) (*ObservationWindow, error) {
	if m.redis == nil {
		return nil, fmt.Errorf("redis client is nil")
	}

	key := observationKey(component)
	data, err := m.redis.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get observation window: %w", err)
	}

	var window ObservationWindow
	if err := json.Unmarshal([]byte(data), &window); err != nil {
		return nil, fmt.Errorf("failed to unmarshal observation window: %w", err)
	}
	if m.now().After(window.EndTime) {
		m.redis.Del(ctx, key)
		return nil, nil
	}
	return &window, nil
}

// CancelObservation drops the window for component, typically because a new incident arrived.
func (m *RedisObservationWindowManager) CancelObservation(ctx context.Context, component string) error {
	if m.redis == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := m.redis.Del(ctx, observationKey(component)).Err(); err != nil {
		return fmt.Errorf("failed to cancel observation window: %w", err)
	}
	return nil
}

// MemoryObservationWindowManager keeps windows in process; used when Redis is disabled.
type MemoryObservationWindowManager struct {
	mu      sync.Mutex
	windows map[string]*ObservationWindow
	now     func() time.Time
}

func NewMemoryObservationWindowManager(now func() time.Time) *MemoryObservationWindowManager {
	if now == nil {
		now = time.Now
	}
	return &MemoryObservationWindowManager{windows: make(map[string]*ObservationWindow), now: now}
}

func (m *MemoryObservationWindowManager) StartObservation(ctx context.Context, component, incidentID string, duration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows[observationKey(component)] = newWindow(component, incidentID, duration, m.now())
	return nil
}

func (m *MemoryObservationWindowManager) CheckObservation(ctx context.Context, component string) (*ObservationWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := observationKey(component)
	w, ok := m.windows[key]
	if !ok {
		return nil, nil
	}
	if m.now().After(w.EndTime) {
		delete(m.windows, key)
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryObservationWindowManager) CancelObservation(ctx context.Context, component string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, observationKey(component))
	return nil
}
