package outreach

import (
	"context"
	"errors"

	"github.com/kalambet/wingman/internal/dispatch"
	"github.com/kalambet/wingman/internal/platform"
	"github.com/kalambet/wingman/internal/storage"
)

// OpenerArgs is the payload of a send_opener task.
type OpenerArgs struct {
	MatchID string `json:"match_id"`
	FromID  string `json:"from_id"`
	ToID    string `json:"to_id"`
	Message string `json:"message"`
}

var errEmptyAck = errors.New("acknowledgment missing message id")

// OpenerCandidates returns the stored matches the opener campaign would
// contact at threshold: never contacted, no opener already queued, and
// within distance.
func (s *Service) OpenerCandidates(threshold float64) ([]storage.Match, error) {
	if threshold <= 0 {
		threshold = s.cfg.OpenerMaxDistanceKm
	}
	queued, err := s.store.QueuedMatchIDs(string(dispatch.OpSendOpener))
	if err != nil {
		return nil, storageError("opener candidates", "", err)
	}
	ms, err := s.store.QueryMatches(func(m storage.Match) bool {
		return m.MatchID != "" && m.ContactedAt == nil && !queued[m.MatchID] && s.within(m, threshold)
	})
	if err != nil {
		return nil, storageError("opener candidates", "", err)
	}
	return ms, nil
}

// DispatchOpeners schedules a greeting for every opener candidate. A
// non-positive threshold uses the configured opener distance.
func (s *Service) DispatchOpeners(ctx context.Context, threshold float64) ([]dispatch.Descriptor, error) {
	candidates, err := s.OpenerCandidates(threshold)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return []dispatch.Descriptor{}, nil
	}

	profile, err := s.Profile(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]dispatch.Item, 0, len(candidates))
	for _, m := range candidates {
		args := s.openerArgs(profile.AccountID, m)
		s.logger.Info("opener scheduled",
			"match_id", m.MatchID, "person_id", m.PersonID,
			"first_name", FirstName(m.DisplayName), "message", args.Message)
		items = append(items, dispatch.Item{Key: m.MatchID, Payload: args})
	}
	return s.dispatch(ctx, dispatch.OpSendOpener, s.cfg.OpenerJitter, items)
}

func (s *Service) openerArgs(accountID string, m storage.Match) OpenerArgs {
	return OpenerArgs{
		MatchID: m.MatchID,
		FromID:  accountID,
		ToID:    m.PersonID,
		Message: Greeting(s.cfg.GreetingTemplate, m.DisplayName),
	}
}

// SendOpener delivers one greeting. It succeeds only when the platform
// acknowledges with a message id, after which the match is marked contacted.
// A match that is already contacted is refused with ErrAlreadyContacted
// before anything is sent.
func (s *Service) SendOpener(ctx context.Context, args OpenerArgs) (platform.SendResult, error) {
	m, err := s.store.GetMatch(args.MatchID)
	if err != nil {
		return platform.SendResult{}, storageError("send opener", args.MatchID, err)
	}
	if m.ContactedAt != nil {
		return platform.SendResult{}, newError(ErrAlreadyContacted, "send opener", args.MatchID, nil)
	}

	res, err := s.remote.SendMessage(ctx, args.MatchID, args.FromID, args.ToID, args.Message)
	if err != nil {
		return platform.SendResult{}, newError(ErrSendFailed, "send opener", args.MatchID, err)
	}
	s.logger.Info("opener sent", "match_id", args.MatchID, "message_id", res.ID, "message", args.Message)
	if res.ID == "" {
		return platform.SendResult{}, newError(ErrSendFailed, "send opener", args.MatchID, errEmptyAck)
	}

	if err := s.store.MarkContacted(args.MatchID, s.now()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("opener sent to match removed during send", "match_id", args.MatchID)
			return res, nil
		}
		return res, storageError("send opener", args.MatchID, err)
	}
	return res, nil
}

// SendOpenerNow sends the greeting to one stored match without scheduling.
func (s *Service) SendOpenerNow(ctx context.Context, matchID string) (platform.SendResult, error) {
	m, err := s.store.GetMatch(matchID)
	if err != nil {
		return platform.SendResult{}, storageError("send opener", matchID, err)
	}
	profile, err := s.Profile(ctx)
	if err != nil {
		return platform.SendResult{}, err
	}
	return s.SendOpener(ctx, s.openerArgs(profile.AccountID, m))
}
