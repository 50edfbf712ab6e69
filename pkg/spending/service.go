package spending

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CostSummer is the persistence side of the hybrid; *store.LedgerRepo in
// production.
type CostSummer interface {
	SumCosts(ctx context.Context, principalID uuid.UUID, fromMS, toMS int64) (int64, error)
}

// Service answers spending queries with the cache/ledger hybrid. The cache
// window boundary is now-24h: windows fully inside it are served from redis,
// fully outside from the ledger, and straddling windows split exactly at the
// boundary with no overlap.
type Service struct {
	Cache  *Cache
	Ledger CostSummer
	Log    zerolog.Logger
	Now    func() time.Time
}

func NewService(cache *Cache, ledger CostSummer, log zerolog.Logger) *Service {
	return &Service{Cache: cache, Ledger: ledger, Log: log, Now: time.Now}
}

// Record is the best-effort write path called by the ledger writer. Failures
// are logged, never propagated.
func (s *Service) Record(ctx context.Context, principal uuid.UUID, ev Event) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.Record(ctx, principal, ev); err != nil {
		s.Log.Warn().Err(err).
			Str("principal_id", principal.String()).
			Int64("event_id", ev.EventID).
			Msg("spending cache update failed")
	}
}

// Sum totals a principal's metering costs over [fromMS, toMS).
func (s *Service) Sum(ctx context.Context, principal uuid.UUID, fromMS, toMS int64) (int64, error) {
	if toMS <= fromMS {
		return 0, nil
	}
	boundary := s.Now().UnixMilli() - Window.Milliseconds()
	if s.Cache == nil {
		return s.Ledger.SumCosts(ctx, principal, fromMS, toMS)
	}
	switch {
	case fromMS >= boundary:
		total, err := s.Cache.SumRange(ctx, principal, fromMS, toMS)
		if err != nil {
			// Degraded cache: fall through to the authoritative store.
			s.Log.Warn().Err(err).Str("principal_id", principal.String()).Msg("spending cache read failed")
			return s.Ledger.SumCosts(ctx, principal, fromMS, toMS)
		}
		return total, nil
	case toMS <= boundary:
		return s.Ledger.SumCosts(ctx, principal, fromMS, toMS)
	default:
		old, err := s.Ledger.SumCosts(ctx, principal, fromMS, boundary)
		if err != nil {
			return 0, err
		}
		recent, err := s.Cache.SumRange(ctx, principal, boundary, toMS)
		if err != nil {
			s.Log.Warn().Err(err).Str("principal_id", principal.String()).Msg("spending cache read failed")
			recent, err = s.Ledger.SumCosts(ctx, principal, boundary, toMS)
			if err != nil {
				return 0, err
			}
		}
		return old + recent, nil
	}
}
