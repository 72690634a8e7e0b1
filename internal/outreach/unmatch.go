package outreach

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/wingman/internal/dispatch"
	"github.com/kalambet/wingman/internal/storage"
)

// UnmatchArgs is the payload of an unmatch task.
type UnmatchArgs struct {
	MatchID string `json:"match_id"`
}

// SweepUnmatch schedules an unmatch for every stored match farther than
// threshold. A non-positive threshold uses the configured unmatch distance.
func (s *Service) SweepUnmatch(ctx context.Context, threshold float64) ([]dispatch.Descriptor, error) {
	if threshold <= 0 {
		threshold = s.cfg.UnmatchMaxDistanceKm
	}
	distant, err := s.store.QueryMatches(func(m storage.Match) bool {
		return m.MatchID != "" && s.beyond(m, threshold)
	})
	if err != nil {
		return nil, storageError("sweep unmatch", "", err)
	}

	items := make([]dispatch.Item, 0, len(distant))
	for _, m := range distant {
		items = append(items, dispatch.Item{Key: m.MatchID, Payload: UnmatchArgs{MatchID: m.MatchID}})
	}
	return s.dispatch(ctx, dispatch.OpUnmatch, s.cfg.UnmatchJitter, items)
}

// Unmatch drops the match on the platform and, only once the platform reports
// success, removes the stored record.
func (s *Service) Unmatch(ctx context.Context, matchID string) error {
	res, err := s.remote.Unmatch(ctx, matchID)
	if err != nil {
		return newError(ErrUnmatch, "unmatch", matchID, err)
	}
	if !res.OK() {
		return newError(ErrUnmatch, "unmatch", matchID, fmt.Errorf("platform returned status %d", res.StatusCode))
	}

	if err := s.store.DeleteMatch(matchID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storageError("unmatch", matchID, err)
	}
	s.logger.Info("match removed", "match_id", matchID)
	return nil
}
