package outreach

import (
	"context"
	"errors"

	"github.com/kalambet/wingman/internal/storage"
)

// Profile returns the local account profile. It is fetched from the platform
// on first use and served from the store afterwards; concurrent first calls
// share one fetch.
func (s *Service) Profile(ctx context.Context) (storage.AccountProfile, error) {
	p, err := s.store.GetProfile()
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.AccountProfile{}, storageError("get profile", "", err)
	}

	v, err, _ := s.profileGroup.Do("profile", func() (any, error) {
		if p, err := s.store.GetProfile(); err == nil {
			return p, nil
		}
		remote, err := s.remote.GetProfile(ctx)
		if err != nil {
			return nil, newError(ErrRemoteRejected, "get profile", "", err)
		}
		p := storage.AccountProfile{
			AccountID: remote.ID,
			Bio:       remote.Bio,
			Interests: remote.Interests,
			FetchedAt: s.now(),
		}
		if err := s.store.PutProfile(p); err != nil {
			return nil, storageError("put profile", "", err)
		}
		s.logger.Info("account profile cached", "account_id", p.AccountID)
		return p, nil
	})
	if err != nil {
		return storage.AccountProfile{}, err
	}
	return v.(storage.AccountProfile), nil
}
