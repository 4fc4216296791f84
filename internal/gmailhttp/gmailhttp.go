/*
Package gmailhttp builds the HTTP client used to call the Gmail API.

Access tokens come from an oauth2.Config and a previously stored
token.  When the access token expires the refresh token is used to
obtain a new one, and the new token is handed to a save callback so
that the next process start does not need to refresh again (or, if
the refresh token was rotated, does not lose access altogether).

BUGS:

The client's notion of token expiry is only an optimization.  A token
revoked on the server side is not noticed until a request fails with
401, and nothing here retries such a request; the caller sees the
error and the user must authorize again.
*/

package gmailhttp

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/oauth2"

	"github.com/matta/inboxwatch/internal/logger"
)

// savingTokenSource passes through tokens from src and calls save for
// each one whose access token differs from the last one seen.
type savingTokenSource struct {
	src  oauth2.TokenSource
	save func(*oauth2.Token) error
	log  logger.Logger

	mu   sync.Mutex
	last string
}

// Token satisfies oauth2.TokenSource.  A failed save is logged and
// the token is still returned.
func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := s.save(tok); err != nil {
			s.log.Warnf("unable to save refreshed token: %v", err)
		} else {
			s.log.Debug("saved refreshed token")
		}
	}
	return tok, nil
}

// New returns a new HTTP client capable of using the GMail API on
// behalf of the owner of tok.  base may be nil.
func New(ctx context.Context, cfg *oauth2.Config, tok *oauth2.Token,
	save func(*oauth2.Token) error, base http.RoundTripper, log logger.Logger) *http.Client {
	if base != nil {
		// Token refreshes go through base too.
		ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: base})
	}

	src := &savingTokenSource{
		src:  cfg.TokenSource(ctx, tok),
		save: save,
		log:  log,
		last: tok.AccessToken,
	}

	trans := &oauth2.Transport{
		Source: oauth2.ReuseTokenSource(tok, src),
		Base:   base,
	}

	return &http.Client{Transport: trans}
}
