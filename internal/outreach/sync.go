package outreach

import (
	"context"

	"github.com/kalambet/wingman/internal/storage"
)

// SyncResult summarises one synchronizer run.
type SyncResult struct {
	Pages    int             `json:"pages"`
	Inserted int             `json:"inserted"`
	Matches  []storage.Match `json:"matches"`
}

// Sync pages through the remote match list and inserts every match id not yet
// stored. Existing records are never overwritten, so repeated runs converge.
// A non-positive pageSize uses the configured page size.
func (s *Service) Sync(ctx context.Context, pageSize int, includeMessaged bool) (SyncResult, error) {
	if pageSize <= 0 {
		pageSize = s.cfg.SyncPageSize
	}

	var res SyncResult
	token := ""
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		page, next, err := s.remote.ListMatches(ctx, pageSize, includeMessaged, token)
		if err != nil {
			return res, newError(ErrRemoteRejected, "sync matches", "", err)
		}
		if len(page) == 0 {
			break
		}
		res.Pages++

		for _, m := range page {
			if m.ID == "" {
				continue
			}
			inserted, err := s.store.InsertMatch(storage.Match{
				MatchID:     m.ID,
				PersonID:    m.PersonID,
				DisplayName: m.Name,
			})
			if err != nil {
				return res, storageError("sync matches", m.ID, err)
			}
			if inserted {
				res.Inserted++
				s.logger.Debug("match stored", "match_id", m.ID)
			}
		}

		if next == "" {
			break
		}
		token = next
	}

	all, err := s.store.AllMatches()
	if err != nil {
		return res, storageError("sync matches", "", err)
	}
	res.Matches = all
	s.logger.Info("matches synced", "pages", res.Pages, "inserted", res.Inserted, "total", len(all))
	return res, nil
}
