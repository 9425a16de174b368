package receiver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildIdempotencyKey(t *testing.T) {
	start := time.Unix(0, 123).UTC()
	tests := []struct {
		name  string
		alert AMAlert
		want  string
	}{
		{
			"labels sorted",
			AMAlert{Labels: KV{"service": "test-service", "alertname": "HighLatency"}, StartsAt: start, Status: "firing"},
			"alertname=HighLatency,service=test-service|1970-01-01T00:00:00.000000123Z",
		},
		{
			"fingerprint wins",
			AMAlert{Labels: KV{"alertname": "HighLatency"}, Fingerprint: "c0ffee", StartsAt: start},
			"c0ffee|1970-01-01T00:00:00.000000123Z",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildIdempotencyKey(tt.alert))
		})
	}

	firing := tests[0].alert
	resolved := firing
	resolved.Status = "resolved"
	assert.Equal(t, BuildIdempotencyKey(firing), BuildIdempotencyKey(resolved))
}

func TestSeenCache(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c := NewSeenCache(time.Hour)
	c.now = func() time.Time { return now }

	_, ok := c.Lookup("k|t")
	assert.False(t, ok, "should not be seen initially")

	c.MarkSeen("k|t", "INC-1")
	id, ok := c.Lookup("k|t")
	assert.True(t, ok)
	assert.Equal(t, "INC-1", id)

	now = now.Add(2 * time.Hour)
	_, ok = c.Lookup("k|t")
	assert.False(t, ok, "expired")

	c.MarkSeen("k|t", "INC-2")
	c.Forget("k|t")
	_, ok = c.Lookup("k|t")
	assert.False(t, ok)
}
