package outreach

import (
	"context"
	"errors"
	"time"

	"github.com/kalambet/wingman/internal/dispatch"
	"github.com/kalambet/wingman/internal/platform"
	"github.com/kalambet/wingman/internal/storage"
)

// EnrichArgs is the payload of an enrich task.
type EnrichArgs struct {
	MatchID  string `json:"match_id"`
	PersonID string `json:"person_id"`
}

var errProfileFetch = errors.New("failed to fetch profile")

// EnrichAll dispatches one enrich task per stored match lacking distance_km.
func (s *Service) EnrichAll(ctx context.Context) ([]dispatch.Descriptor, error) {
	pending, err := s.store.QueryMatches(func(m storage.Match) bool {
		return m.DistanceKm == nil && m.MatchID != ""
	})
	if err != nil {
		return nil, storageError("enrich all", "", err)
	}

	items := make([]dispatch.Item, 0, len(pending))
	for _, m := range pending {
		items = append(items, dispatch.Item{
			Key:     m.MatchID,
			Payload: EnrichArgs{MatchID: m.MatchID, PersonID: m.PersonID},
		})
	}
	return s.dispatch(ctx, dispatch.OpEnrich, s.cfg.EnrichJitter, items)
}

// Enrich fetches the person behind a match and merges distance, birth date
// and bio into the stored record. Other fields are left untouched.
func (s *Service) Enrich(ctx context.Context, matchID, personID string) (storage.Match, error) {
	person, err := s.remote.GetPerson(ctx, personID)
	if err != nil {
		if errors.Is(err, platform.ErrMissingID) {
			return storage.Match{}, newError(ErrEnrichment, "enrich", matchID, errProfileFetch)
		}
		return storage.Match{}, newError(ErrEnrichment, "enrich", matchID, err)
	}
	if person.ID == "" {
		return storage.Match{}, newError(ErrEnrichment, "enrich", matchID, errProfileFetch)
	}

	patch := storage.MatchPatch{DistanceKm: person.DistanceKm, Bio: person.Bio}
	if person.BirthDate != nil {
		bd := person.BirthDate.UTC().Truncate(time.Millisecond)
		patch.BirthDate = &bd
	}
	if err := s.store.MergeMatch(matchID, patch); err != nil {
		return storage.Match{}, storageError("enrich", matchID, err)
	}

	m, err := s.store.GetMatch(matchID)
	if err != nil {
		return storage.Match{}, storageError("enrich", matchID, err)
	}
	return m, nil
}

// EnrichMatch enriches one stored match immediately.
func (s *Service) EnrichMatch(ctx context.Context, matchID string) (storage.Match, error) {
	m, err := s.store.GetMatch(matchID)
	if err != nil {
		return storage.Match{}, storageError("enrich", matchID, err)
	}
	return s.Enrich(ctx, m.MatchID, m.PersonID)
}

// dispatch hands items to the dispatcher and reports refused items as
// ErrDispatch on their descriptors.
func (s *Service) dispatch(ctx context.Context, op dispatch.Operation, jitter dispatch.Jitter, items []dispatch.Item) ([]dispatch.Descriptor, error) {
	descs, err := s.dispatcher.Dispatch(ctx, op, jitter, items)
	if err != nil {
		return descs, newError(ErrDispatch, string(op), "", err)
	}
	for i := range descs {
		if descs[i].Err != nil {
			descs[i].Err = newError(ErrDispatch, string(op), descs[i].Key, descs[i].Err)
		}
	}
	s.logger.Info("tasks dispatched", "op", op, "count", len(descs))
	return descs, nil
}
