// Package outreach decides which matches to contact or drop and schedules the
// remote calls that do it.
package outreach

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/wingman/internal/dispatch"
	"github.com/kalambet/wingman/internal/platform"
	"github.com/kalambet/wingman/internal/storage"
)

// UnknownDistance decides how a match without distance_km compares to a threshold.
type UnknownDistance string

const (
	// UnknownWithin treats the match as inside every threshold.
	UnknownWithin UnknownDistance = "within"
	// UnknownBeyond treats the match as outside every threshold.
	UnknownBeyond UnknownDistance = "beyond"
)

func ParseUnknownDistance(s string) (UnknownDistance, error) {
	switch UnknownDistance(strings.ToLower(strings.TrimSpace(s))) {
	case "", UnknownWithin:
		return UnknownWithin, nil
	case UnknownBeyond:
		return UnknownBeyond, nil
	}
	return "", fmt.Errorf("unknown distance policy %q: want %q or %q", s, UnknownWithin, UnknownBeyond)
}

// Store is the record store used by the Service. Implemented by storage.Store.
type Store interface {
	GetMatch(id string) (storage.Match, error)
	InsertMatch(m storage.Match) (bool, error)
	MergeMatch(id string, p storage.MatchPatch) error
	MarkContacted(id string, at time.Time) error
	DeleteMatch(id string) error
	AllMatches() ([]storage.Match, error)
	QueryMatches(pred func(storage.Match) bool) ([]storage.Match, error)
	CountMatches(threshold float64) (storage.MatchTotals, error)
	GetProfile() (storage.AccountProfile, error)
	PutProfile(p storage.AccountProfile) error
	QueuedMatchIDs(operation string) (map[string]bool, error)
}

// Platform is the remote dating-platform client. Implemented by platform.Client.
type Platform interface {
	ListMatches(ctx context.Context, pageSize int, hasMessages bool, pageToken string) ([]platform.Match, string, error)
	GetPerson(ctx context.Context, personID string) (platform.Person, error)
	SendMessage(ctx context.Context, matchID, fromID, toID, body string) (platform.SendResult, error)
	Unmatch(ctx context.Context, matchID string) (platform.UnmatchResult, error)
	GetProfile(ctx context.Context) (platform.Profile, error)
}

// Dispatcher staggers work items. Implemented by dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, op dispatch.Operation, jitter dispatch.Jitter, items []dispatch.Item) ([]dispatch.Descriptor, error)
}

// Config holds campaign settings.
type Config struct {
	GreetingTemplate     string
	SyncPageSize         int
	OpenerMaxDistanceKm  float64
	UnmatchMaxDistanceKm float64
	UnknownDistance      UnknownDistance
	EnrichJitter         dispatch.Jitter
	OpenerJitter         dispatch.Jitter
	UnmatchJitter        dispatch.Jitter
}

// DefaultConfig returns the stock campaign settings.
func DefaultConfig() Config {
	return Config{
		GreetingTemplate:     "Hi <match_name>, how are you doing?",
		SyncPageSize:         100,
		OpenerMaxDistanceKm:  15,
		UnmatchMaxDistanceKm: 15,
		UnknownDistance:      UnknownWithin,
		EnrichJitter:         dispatch.Jitter{Min: 5 * time.Second, Max: 10 * time.Second},
		OpenerJitter:         dispatch.Jitter{Min: 5 * time.Second, Max: 10 * time.Second},
		UnmatchJitter:        dispatch.Jitter{Min: 10 * time.Second, Max: 20 * time.Second},
	}
}

// Service runs the synchronizer, enrichment, opener campaign and unmatch sweep.
type Service struct {
	store      Store
	remote     Platform
	dispatcher Dispatcher
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	profileGroup singleflight.Group
}

type ServiceOption func(*Service)

func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source used for contacted_at stamps.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService wires a Service.
func NewService(store Store, remote Platform, dispatcher Dispatcher, cfg Config, opts ...ServiceOption) *Service {
	if cfg.UnknownDistance == "" {
		cfg.UnknownDistance = UnknownWithin
	}
	if cfg.SyncPageSize <= 0 {
		cfg.SyncPageSize = 100
	}
	s := &Service{
		store:      store,
		remote:     remote,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the campaign settings in effect.
func (s *Service) Config() Config { return s.cfg }

// Match returns one stored match.
func (s *Service) Match(id string) (storage.Match, error) {
	m, err := s.store.GetMatch(id)
	if err != nil {
		return storage.Match{}, storageError("get match", id, err)
	}
	return m, nil
}

func (s *Service) Matches() ([]storage.Match, error) {
	ms, err := s.store.AllMatches()
	if err != nil {
		return nil, storageError("list matches", "", err)
	}
	return ms, nil
}

// Totals counts stored matches against threshold. A non-positive threshold
// falls back to the opener distance.
func (s *Service) Totals(threshold float64) (storage.MatchTotals, error) {
	if threshold <= 0 {
		threshold = s.cfg.OpenerMaxDistanceKm
	}
	t, err := s.store.CountMatches(threshold)
	if err != nil {
		return storage.MatchTotals{}, storageError("match totals", "", err)
	}
	return t, nil
}

func (s *Service) within(m storage.Match, threshold float64) bool {
	if m.DistanceKm == nil {
		return s.cfg.UnknownDistance != UnknownBeyond
	}
	return *m.DistanceKm <= threshold
}

func (s *Service) beyond(m storage.Match, threshold float64) bool {
	if m.DistanceKm == nil {
		return s.cfg.UnknownDistance == UnknownBeyond
	}
	return *m.DistanceKm > threshold
}

// FirstName returns the first whitespace-separated token of name.
func FirstName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Greeting renders template for a match named name.
func Greeting(template, name string) string {
	return strings.ReplaceAll(template, "<match_name>", FirstName(name))
}
