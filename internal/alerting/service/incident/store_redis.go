package incident

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	redisKeyPrefix     = "incident:"
	redisIndexOpen     = "incident:index:open"
	redisIndexResolved = "incident:index:resolved"
)

func redisIncidentKey(id string) string { return redisKeyPrefix + id }

func redisSeverityIndex(s Severity) string { return "incident:index:severity:" + string(s) }

// RedisMirror wraps a Store and writes every created or updated incident through to Redis so
// external readers (dashboards, other replicas) can query snapshots. The wrapped store stays
// authoritative; mirror errors are logged and never fail the write.
type RedisMirror struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisMirror(inner Store, rdb *redis.Client, ttl time.Duration) *RedisMirror {
	return &RedisMirror{Store: inner, rdb: rdb, ttl: ttl}
}

func (m *RedisMirror) Create(ctx context.Context, in *Incident) error {
	if err := m.Store.Create(ctx, in); err != nil {
		return err
	}
	m.mirror(ctx, in)
	return nil
}

func (m *RedisMirror) Update(ctx context.Context, in *Incident) error {
	if err := m.Store.Update(ctx, in); err != nil {
		return err
	}
	m.mirror(ctx, in)
	return nil
}

func (m *RedisMirror) mirror(ctx context.Context, in *Incident) {
	if m.rdb == nil || in == nil {
		return
	}
	if err := m.write(ctx, in); err != nil {
		log.Error().Err(err).Str("component", LogComponent).Str("incident_id", in.ID).Msg("mirror incident to redis failed")
	}
}

func (m *RedisMirror) write(ctx context.Context, in *Incident) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal incident: %w", err)
	}
	_, err = m.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, redisIncidentKey(in.ID), data, m.ttl)
		if in.Status.Done() {
			p.SRem(ctx, redisIndexOpen, in.ID)
			p.SAdd(ctx, redisIndexResolved, in.ID)
		} else {
			p.SRem(ctx, redisIndexResolved, in.ID)
			p.SAdd(ctx, redisIndexOpen, in.ID)
		}
		for _, s := range Severities {
			if s != in.Severity {
				p.SRem(ctx, redisSeverityIndex(s), in.ID)
			}
		}
		p.SAdd(ctx, redisSeverityIndex(in.Severity), in.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write incident %s: %w", in.ID, err)
	}
	return nil
}

// Snapshot reads the mirrored copy of id. It returns ErrNotFound when the key is absent.
func (m *RedisMirror) Snapshot(ctx context.Context, id string) (*Incident, error) {
	if m.rdb == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	data, err := m.rdb.Get(ctx, redisIncidentKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get incident snapshot: %w", err)
	}
	var in Incident
	if err := json.Unmarshal([]byte(data), &in); err != nil {
		return nil, fmt.Errorf("unmarshal incident snapshot: %w", err)
	}
	return &in, nil
}

// OpenIDs lists ids currently indexed as open in the mirror. Index entries whose incident key
// has expired are removed from every index set.
func (m *RedisMirror) OpenIDs(ctx context.Context) ([]string, error) {
	if m.rdb == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	ids, err := m.rdb.SMembers(ctx, redisIndexOpen).Result()
	if err != nil {
		return nil, fmt.Errorf("list open incidents: %w", err)
	}
	if len(ids) == 0 {
		return ids, nil
	}

	exists := make([]*redis.IntCmd, len(ids))
	if _, err := m.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			exists[i] = p.Exists(ctx, redisIncidentKey(id))
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("check open incidents: %w", err)
	}

	live := make([]string, 0, len(ids))
	var stale []any
	for i, id := range ids {
		if exists[i].Val() > 0 {
			live = append(live, id)
			continue
		}
		stale = append(stale, id)
	}
	if len(stale) > 0 {
		if err := m.prune(ctx, stale); err != nil {
			log.Warn().Err(err).Str("component", LogComponent).Int("stale", len(stale)).Msg("prune expired incident index entries failed")
		}
	}
	return live, nil
}

func (m *RedisMirror) prune(ctx context.Context, ids []any) error {
	_, err := m.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, redisIndexOpen, ids...)
		p.SRem(ctx, redisIndexResolved, ids...)
		for _, s := range Severities {
			p.SRem(ctx, redisSeverityIndex(s), ids...)
		}
		return nil
	})
	return err
}
