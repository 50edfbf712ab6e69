// Package spending keeps hot running totals per principal. The redis cache is
// authoritative for the last 24 hours only; older windows fall through to the
// ledger. Writes are best-effort: the ledger append never fails on a cache
// update failure.
package spending

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// Window is the span the cache answers authoritatively.
	Window = 24 * time.Hour

	hourMS = int64(time.Hour / time.Millisecond)
	dayMS  = 24 * hourMS
	weekMS = 7 * dayMS
)

// TrendWindow selects the bucket granularity for trend queries.
type TrendWindow string

const (
	TrendHourly TrendWindow = "hourly"
	TrendDaily  TrendWindow = "daily"
	TrendWeekly TrendWindow = "weekly"
)

// Event is one cached spend record.
type Event struct {
	EventID        int64 `json:"event_id"`
	TSMS           int64 `json:"ts_ms"`
	CostMinorUnits int64 `json:"cost_minor_units"`
}

// Bucket is one trend data point.
type Bucket struct {
	StartMS        int64 `json:"start_ms"`
	CostMinorUnits int64 `json:"cost_minor_units"`
}

// Cache stores per-principal sorted event streams and trend buckets in redis.
type Cache struct {
	Client *redis.Client
	Now    func() time.Time
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{Client: client, Now: time.Now}
}

func eventsKey(principal uuid.UUID) string {
	return "spend:events:" + principal.String()
}

func bucketKey(principal uuid.UUID, granularity string, stamp int64) string {
	return fmt.Sprintf("spend:%s:%s:%d", granularity, principal.String(), stamp)
}

// Record adds one metering event. The event stream carries a sliding 24 h TTL
// and is trimmed on every write; trend buckets expire with their window.
func (c *Cache) Record(ctx context.Context, principal uuid.UUID, ev Event) error {
	nowMS := c.Now().UnixMilli()
	member := strconv.FormatInt(ev.EventID, 10) + ":" + strconv.FormatInt(ev.CostMinorUnits, 10)
	pipe := c.Client.TxPipeline()
	key := eventsKey(principal)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ev.TSMS), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(nowMS-Window.Milliseconds(), 10))
	pipe.Expire(ctx, key, Window)

	hourStamp := ev.TSMS / hourMS
	dayStamp := ev.TSMS / dayMS
	weekStamp := ev.TSMS / weekMS
	hk := bucketKey(principal, "hourly", hourStamp)
	dk := bucketKey(principal, "daily", dayStamp)
	wk := bucketKey(principal, "weekly", weekStamp)
	pipe.IncrBy(ctx, hk, ev.CostMinorUnits)
	pipe.Expire(ctx, hk, 25*time.Hour)
	pipe.IncrBy(ctx, dk, ev.CostMinorUnits)
	pipe.Expire(ctx, dk, 8*24*time.Hour)
	pipe.IncrBy(ctx, wk, ev.CostMinorUnits)
	pipe.Expire(ctx, wk, 5*7*24*time.Hour)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record spend: %w", err)
	}
	return nil
}

// Events returns the cached stream for [fromMS, toMS) in time order.
func (c *Cache) Events(ctx context.Context, principal uuid.UUID, fromMS, toMS int64) ([]Event, error) {
	vals, err := c.Client.ZRangeByScoreWithScores(ctx, eventsKey(principal), &redis.ZRangeBy{
		Min: strconv.FormatInt(fromMS, 10),
		Max: "(" + strconv.FormatInt(toMS, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("cached events: %w", err)
	}
	out := make([]Event, 0, len(vals))
	for _, z := range vals {
		member, _ := z.Member.(string)
		id, cost, ok := parseMember(member)
		if !ok {
			continue
		}
		out = append(out, Event{EventID: id, TSMS: int64(z.Score), CostMinorUnits: cost})
	}
	return out, nil
}

// SumRange totals cached costs in [fromMS, toMS).
func (c *Cache) SumRange(ctx context.Context, principal uuid.UUID, fromMS, toMS int64) (int64, error) {
	events, err := c.Events(ctx, principal, fromMS, toMS)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, ev := range events {
		total += ev.CostMinorUnits
	}
	return total, nil
}

// TotalSpent totals the full cached window.
func (c *Cache) TotalSpent(ctx context.Context, principal uuid.UUID) (int64, error) {
	nowMS := c.Now().UnixMilli()
	return c.SumRange(ctx, principal, nowMS-Window.Milliseconds(), nowMS+1)
}

// Trend returns recent buckets for the window, oldest first: 24 hourly,
// 7 daily or 4 weekly points.
func (c *Cache) Trend(ctx context.Context, principal uuid.UUID, window TrendWindow) ([]Bucket, error) {
	var (
		granularity string
		sizeMS      int64
		count       int
	)
	switch window {
	case TrendHourly:
		granularity, sizeMS, count = "hourly", hourMS, 24
	case TrendDaily:
		granularity, sizeMS, count = "daily", dayMS, 7
	case TrendWeekly:
		granularity, sizeMS, count = "weekly", weekMS, 4
	default:
		return nil, fmt.Errorf("unknown trend window %q", window)
	}
	nowStamp := c.Now().UnixMilli() / sizeMS
	keys := make([]string, 0, count)
	for i := count - 1; i >= 0; i-- {
		keys = append(keys, bucketKey(principal, granularity, nowStamp-int64(i)))
	}
	vals, err := c.Client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("trend buckets: %w", err)
	}
	out := make([]Bucket, 0, count)
	for i, v := range vals {
		stamp := nowStamp - int64(count-1-i)
		var cost int64
		if s, ok := v.(string); ok {
			cost, _ = strconv.ParseInt(s, 10, 64)
		}
		out = append(out, Bucket{StartMS: stamp * sizeMS, CostMinorUnits: cost})
	}
	return out, nil
}

// Invalidate drops a principal's cached stream, forcing rebuild from the ledger.
func (c *Cache) Invalidate(ctx context.Context, principal uuid.UUID) error {
	return c.Client.Del(ctx, eventsKey(principal)).Err()
}

func parseMember(member string) (id, cost int64, ok bool) {
	idx := strings.IndexByte(member, ':')
	if idx <= 0 {
		return 0, 0, false
	}
	id, err := strconv.ParseInt(member[:idx], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	cost, err = strconv.ParseInt(member[idx+1:], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return id, cost, true
}
