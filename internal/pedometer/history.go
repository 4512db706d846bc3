package pedometer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sstent/steptrack-go/internal/models"
	"github.com/sstent/steptrack-go/internal/telemetry"
)

const dateLayout = "2006-01-02"

type historyEntry struct {
	data      []models.StepTimestamp
	fetchedAt time.Time
}

// historyCache keeps per-day step events for past days. When full, the key
// inserted first is evicted.
type historyCache struct {
	size    int
	ttl     time.Duration
	entries map[string]historyEntry
	order   []string
}

func newHistoryCache(size int, ttl time.Duration) *historyCache {
	return &historyCache{
		size:    size,
		ttl:     ttl,
		entries: make(map[string]historyEntry),
	}
}

func (c *historyCache) get(key string, now time.Time) ([]models.StepTimestamp, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if now.Sub(e.fetchedAt) >= c.ttl {
		c.remove(key)
		return nil, false
	}
	return e.data, true
}

func (c *historyCache) put(key string, data []models.StepTimestamp, now time.Time) {
	c.remove(key)
	c.entries[key] = historyEntry{data: data, fetchedAt: now}
	c.order = append(c.order, key)
	for len(c.order) > c.size {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

func (c *historyCache) remove(key string) {
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *historyCache) len() int {
	return len(c.entries)
}

// GetStepTimestampsForDate returns the raw step events of a YYYY-MM-DD day
// in native order. Future days are empty without asking the native layer,
// today is always fetched fresh and past days are served from cache.
func (b *Bridge) GetStepTimestampsForDate(ctx context.Context, date string) []models.StepTimestamp {
	now := b.now()
	if _, err := time.ParseInLocation(dateLayout, date, now.Location()); err != nil {
		b.logger.Warn("invalid history date", "date", date, "error", err)
		return []models.StepTimestamp{}
	}

	today := now.Format(dateLayout)
	switch {
	case date > today:
		return []models.StepTimestamp{}
	case date == today:
		data, err := b.fetchHistory(ctx, date)
		if err != nil {
			b.logger.Warn("native history query failed", "date", date, "error", err)
			return []models.StepTimestamp{}
		}
		return data
	}

	b.cacheMu.Lock()
	cached, ok := b.cache.get(date, now)
	b.cacheMu.Unlock()
	if ok {
		b.logger.Debug("history cache hit", "date", date)
		return cloneTimestamps(cached)
	}

	v, err, _ := b.fetches.Do(date, func() (interface{}, error) {
		data, err := b.fetchHistory(ctx, date)
		if err != nil {
			return nil, err
		}
		b.cacheMu.Lock()
		b.cache.put(date, data, b.now())
		b.cacheMu.Unlock()
		return data, nil
	})
	if err != nil {
		b.logger.Warn("native history query failed", "date", date, "error", err)
		return []models.StepTimestamp{}
	}
	return cloneTimestamps(v.([]models.StepTimestamp))
}

// HourlySteps buckets the step events of a day by local hour.
func (b *Bridge) HourlySteps(ctx context.Context, date string) [24]int {
	return ConvertTimestampsToHourly(b.GetStepTimestampsForDate(ctx, date), b.now().Location())
}

func (b *Bridge) fetchHistory(ctx context.Context, date string) ([]models.StepTimestamp, error) {
	payload, err := b.native.GetStepTimestampsForDate(ctx, date)
	if err != nil {
		telemetry.Inc(ctx, b.metrics.NativeFailure, "call", "step_history")
		return nil, err
	}
	return decodeTimestamps(payload)
}

// decodeTimestamps accepts either a JSON array or a JSON string holding one.
func decodeTimestamps(payload []byte) ([]models.StepTimestamp, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return []models.StepTimestamp{}, nil
	}

	if payload[0] == '"' {
		var inner string
		if err := json.Unmarshal(payload, &inner); err != nil {
			return nil, fmt.Errorf("pedometer: decode history string: %w", err)
		}
		return decodeTimestamps([]byte(inner))
	}

	var out []models.StepTimestamp
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("pedometer: decode history: %w", err)
	}
	if out == nil {
		out = []models.StepTimestamp{}
	}
	return out, nil
}

func cloneTimestamps(in []models.StepTimestamp) []models.StepTimestamp {
	out := make([]models.StepTimestamp, len(in))
	copy(out, in)
	return out
}

// ConvertTimestampsToHourly sums step deltas into 24 hour-of-day slots in loc
// (time.Local when nil).
func ConvertTimestampsToHourly(events []models.StepTimestamp, loc *time.Location) [24]int {
	if loc == nil {
		loc = time.Local
	}

	var hours [24]int
	for _, ev := range events {
		h := time.UnixMilli(ev.Timestamp).In(loc).Hour()
		hours[h] += ev.Steps
	}
	return hours
}
