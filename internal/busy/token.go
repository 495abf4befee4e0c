package busy

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/oauth2"
)

// TokenSaver persists tokens rotated by a refresh.
type TokenSaver interface {
	SaveToken(ctx context.Context, connectionID string, tok *oauth2.Token) error
}

// TokenSource wraps cfg's refreshing token source for conn and saves the
// token whenever the access token changes.
func TokenSource(ctx context.Context, cfg *oauth2.Config, conn Connection, saver TokenSaver, logger *slog.Logger) oauth2.TokenSource {
	base := cfg.TokenSource(ctx, conn.Token)
	if saver == nil {
		return base
	}
	last := ""
	if conn.Token != nil {
		last = conn.Token.AccessToken
	}
	return &savingTokenSource{ctx: ctx, base: base, connID: conn.ID, saver: saver, last: last, logger: logger}
}

type savingTokenSource struct {
	ctx    context.Context
	base   oauth2.TokenSource
	connID string
	saver  TokenSaver
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := s.saver.SaveToken(s.ctx, s.connID, tok); err != nil && s.logger != nil {
			s.logger.Warn("persist refreshed calendar token failed", "connection_id", s.connID, "err", err)
		}
	}
	return tok, nil
}
