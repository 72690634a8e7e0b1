package outreach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kalambet/wingman/internal/dispatch"
)

// Registry accepts task handlers. Implemented by dispatch.Worker.
type Registry interface {
	Handle(op dispatch.Operation, h dispatch.Handler)
}

// RegisterHandlers binds the enrich, send_opener and unmatch operations to s.
func (s *Service) RegisterHandlers(r Registry) {
	r.Handle(dispatch.OpEnrich, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var args EnrichArgs
		if err := decodeArgs(payload, &args); err != nil {
			return nil, err
		}
		return s.Enrich(ctx, args.MatchID, args.PersonID)
	})

	r.Handle(dispatch.OpSendOpener, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var args OpenerArgs
		if err := decodeArgs(payload, &args); err != nil {
			return nil, err
		}
		res, err := s.SendOpener(ctx, args)
		if errors.Is(err, ErrAlreadyContacted) {
			s.logger.Info("opener skipped, match already contacted", "match_id", args.MatchID)
			return map[string]string{"match_id": args.MatchID, "status": "skipped"}, nil
		}
		return res, err
	})

	r.Handle(dispatch.OpUnmatch, func(ctx context.Context, payload json.RawMessage) (any, error) {
		var args UnmatchArgs
		if err := decodeArgs(payload, &args); err != nil {
			return nil, err
		}
		if err := s.Unmatch(ctx, args.MatchID); err != nil {
			return nil, err
		}
		return map[string]string{"match_id": args.MatchID, "status": "ok"}, nil
	})
}

func decodeArgs(payload json.RawMessage, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decoding task payload: %w", err)
	}
	return nil
}
