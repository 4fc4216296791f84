// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth loads OAuth client credentials, runs the browser
// consent handshake and produces authorized HTTP clients for Gmail.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail_api "google.golang.org/api/gmail/v1"

	"github.com/matta/inboxwatch/internal/gmailhttp"
	"github.com/matta/inboxwatch/internal/logger"
)

// Scope is the only scope requested; the service never modifies mail.
const Scope = gmail_api.GmailReadonlyScope

// authState is echoed back by Google on the callback.  Only one
// account is ever authorized so it is not checked.
const authState = "inboxwatch"

type CredentialKind int

const (
	CredentialsMissing CredentialKind = iota
	CredentialsInvalid
	TokenMissing
)

func (k CredentialKind) String() string {
	switch k {
	case CredentialsMissing:
		return "credentials missing"
	case CredentialsInvalid:
		return "credentials invalid"
	case TokenMissing:
		return "token missing"
	}
	return fmt.Sprintf("CredentialKind(%d)", int(k))
}

// CredentialError reports why an authorized client could not be
// built.  Retrying without user action does not help.
type CredentialError struct {
	Kind CredentialKind
	Err  error
}

func (e *CredentialError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *CredentialError) Unwrap() error { return e.Err }

// IsKind reports whether err is, or wraps, a *CredentialError of kind
// k.
func IsKind(err error, k CredentialKind) bool {
	var ce *CredentialError
	return errors.As(err, &ce) && ce.Kind == k
}

// Store is the credential store for the single monitored account.
type Store struct {
	// CredentialsPath names the client credentials file downloaded
	// from the Google Cloud Console.  It takes precedence over
	// CredentialsJSON.
	CredentialsPath string
	CredentialsJSON string
	RedirectURL     string
	Tokens          TokenStore

	// Base is the transport under the OAuth transport; nil means
	// http.DefaultTransport.
	Base http.RoundTripper
	Log  logger.Logger
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// HasCredentials reports whether client credentials are available
// without parsing them.
func (s *Store) HasCredentials() bool {
	return fileExists(s.CredentialsPath) || s.CredentialsJSON != ""
}

func (s *Store) credentials() ([]byte, error) {
	if fileExists(s.CredentialsPath) {
		b, err := os.ReadFile(s.CredentialsPath)
		if err != nil {
			return nil, &CredentialError{Kind: CredentialsInvalid,
				Err: errors.Wrapf(err, "unable to read %q", s.CredentialsPath)}
		}
		return b, nil
	}
	if s.CredentialsJSON != "" {
		return []byte(s.CredentialsJSON), nil
	}
	return nil, &CredentialError{Kind: CredentialsMissing,
		Err: errors.Errorf("no %q and no credentials in the environment", s.CredentialsPath)}
}

// Config returns the OAuth client configuration.  Both "installed"
// and "web" client types are accepted.
func (s *Store) Config() (*oauth2.Config, error) {
	b, err := s.credentials()
	if err != nil {
		return nil, err
	}
	cfg, err := google.ConfigFromJSON(b, Scope)
	if err != nil {
		return nil, &CredentialError{Kind: CredentialsInvalid,
			Err: errors.Wrap(err, "unable to parse client credentials")}
	}
	cfg.RedirectURL = s.RedirectURL
	return cfg, nil
}

// Token returns the stored token.  Any failure to load it, including
// a corrupt store, is reported as TokenMissing.
func (s *Store) Token(ctx context.Context) (*oauth2.Token, error) {
	tok, err := s.Tokens.LoadToken(ctx)
	if err != nil {
		return nil, &CredentialError{Kind: TokenMissing, Err: err}
	}
	return tok, nil
}

func (s *Store) HasToken(ctx context.Context) bool {
	_, err := s.Tokens.LoadToken(ctx)
	return err == nil
}

// AuthURL is the consent page URL.  Consent is always prompted so
// Google returns a refresh token even for a returning user.
func (s *Store) AuthURL() (string, error) {
	cfg, err := s.Config()
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(authState, oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent")), nil
}

// Exchange trades an authorization code for a token and saves it.
func (s *Store) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	cfg, err := s.Config()
	if err != nil {
		return nil, err
	}
	if s.Base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: s.Base})
	}
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, errors.Wrap(err, "unable to exchange authorization code")
	}
	if err := s.Tokens.SaveToken(ctx, tok); err != nil {
		return nil, err
	}
	s.Log.Info("saved new OAuth token")
	return tok, nil
}

// Client returns an HTTP client authorized with the stored token.
// Refreshed tokens are written back to the token store.
func (s *Store) Client(ctx context.Context) (*http.Client, error) {
	cfg, err := s.Config()
	if err != nil {
		return nil, err
	}
	tok, err := s.Token(ctx)
	if err != nil {
		return nil, err
	}
	save := func(t *oauth2.Token) error {
		return s.Tokens.SaveToken(context.Background(), t)
	}
	return gmailhttp.New(context.Background(), cfg, tok, save, s.Base, s.Log), nil
}
