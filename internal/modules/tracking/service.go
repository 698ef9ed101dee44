package tracking

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/barwatch/barwatch/internal/domain"
	"github.com/barwatch/barwatch/internal/events"
	"github.com/barwatch/barwatch/internal/jobs"
	"github.com/barwatch/barwatch/internal/symbols"
)

// ErrInvalidRequest marks sync requests rejected before any write happens.
var ErrInvalidRequest = errors.New("invalid sync request")

// Service applies user symbol syncs: tracking entries are upserted and the
// job catalog gains (or re-enables) a definition per symbol and timeframe.
type Service struct {
	repo    *Repository
	catalog *jobs.Catalog
	bus     *events.Bus
	log     zerolog.Logger
}

// NewService creates a new tracking service. bus may be nil to disable
// event publishing.
func NewService(repo *Repository, catalog *jobs.Catalog, bus *events.Bus, log zerolog.Logger) *Service {
	return &Service{
		repo:    repo,
		catalog: catalog,
		bus:     bus,
		log:     log.With().Str("service", "tracking").Logger(),
	}
}

// SyncRequest is the body of POST /sync-user-symbols.
type SyncRequest struct {
	Symbols    []string `json:"symbols"`
	Source     string   `json:"source"`
	Timeframes []string `json:"timeframes"`
}

// SyncResponse reports what a sync changed. symbols_requested counts the
// raw request entries; symbols_tracked counts the distinct symbols that
// were actually recorded.
type SyncResponse struct {
	Success          bool   `json:"success"`
	SymbolsTracked   int    `json:"symbols_tracked"`
	SymbolsRequested int    `json:"symbols_requested"`
	Timeframes       int    `json:"timeframes"`
	JobsUpdated      int    `json:"jobs_updated"`
	Priority         int    `json:"priority"`
	Source           string `json:"source"`
}

// Sync records the symbols under the request source and upserts one job
// definition per (symbol, timeframe). Definitions never lose priority or
// window width to a weaker source; disabled definitions come back enabled.
// A symbol that fails to persist is skipped, not fatal.
func (s *Service) Sync(req SyncRequest) (*SyncResponse, error) {
	priority, err := domain.PriorityForSource(req.Source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if len(req.Symbols) == 0 {
		return nil, fmt.Errorf("%w: symbols must not be empty", ErrInvalidRequest)
	}
	if len(req.Timeframes) == 0 {
		return nil, fmt.Errorf("%w: timeframes must not be empty", ErrInvalidRequest)
	}

	tfs := make([]domain.Timeframe, 0, len(req.Timeframes))
	seenTF := make(map[domain.Timeframe]bool)
	for _, raw := range req.Timeframes {
		tf, err := domain.ParseTimeframe(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if seenTF[tf] {
			continue
		}
		seenTF[tf] = true
		tfs = append(tfs, tf)
	}

	resp := &SyncResponse{
		SymbolsRequested: len(req.Symbols),
		Timeframes:       len(tfs),
		Priority:         priority,
		Source:           req.Source,
	}

	seen := make(map[string]bool)
	for _, raw := range req.Symbols {
		symbol := symbols.Normalize(raw)
		if symbol == "" || seen[symbol] {
			continue
		}
		seen[symbol] = true

		if err := s.repo.Touch(symbol, req.Source); err != nil {
			s.log.Error().Err(err).Str("symbol", symbol).Msg("Failed to record tracking entry")
			continue
		}
		resp.SymbolsTracked++

		for _, tf := range tfs {
			if err := s.upsertDefinition(symbol, tf, priority); err != nil {
				s.log.Error().
					Err(err).
					Str("symbol", symbol).
					Str("timeframe", string(tf)).
					Msg("Failed to upsert definition")
				continue
			}
			resp.JobsUpdated++
		}

		if s.bus != nil {
			s.bus.Publish(&events.SymbolTrackedData{
				Symbol:   symbol,
				Source:   req.Source,
				Priority: priority,
			})
		}
	}

	resp.Success = true
	s.log.Info().
		Str("source", req.Source).
		Int("symbols_tracked", resp.SymbolsTracked).
		Int("jobs_updated", resp.JobsUpdated).
		Int("priority", priority).
		Msg("User symbols synced")

	return resp, nil
}

// upsertDefinition writes the definition for (symbol, timeframe) at the
// source priority, keeping whatever stronger priority or wider window an
// earlier source established.
func (s *Service) upsertDefinition(symbol string, tf domain.Timeframe, priority int) error {
	kind := domain.KindForTimeframe(tf)
	def := domain.JobDefinition{
		Symbol:     symbol,
		Timeframe:  tf,
		Kind:       kind,
		WindowDays: domain.DefaultWindowDays(tf),
		Priority:   priority,
	}

	existing, err := s.catalog.Get(symbol, tf, kind)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.WindowDays > def.WindowDays {
			def.WindowDays = existing.WindowDays
		}
		if existing.Priority > def.Priority {
			def.Priority = existing.Priority
		}
	}

	_, err = s.catalog.UpsertDefinition(def)
	return err
}

// Tracked returns the current tracking table, most recently seen first.
func (s *Service) Tracked() ([]Entry, error) {
	return s.repo.List()
}
