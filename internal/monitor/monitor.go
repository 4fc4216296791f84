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

// Package monitor ties authorization, polling and viewers together.
package monitor

import (
	"context"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/matta/inboxwatch/internal/auth"
	"github.com/matta/inboxwatch/internal/broadcast"
	"github.com/matta/inboxwatch/internal/event"
	"github.com/matta/inboxwatch/internal/logger"
	"github.com/matta/inboxwatch/internal/message"
	"github.com/matta/inboxwatch/internal/poll"
)

const (
	msgCredentialsMissing = "The credentials.json file from the Google Cloud Console is required"
	msgAuthRequired       = "Sign in with Google to start monitoring"
)

// Authorizer is the credential store, normally *auth.Store.
type Authorizer interface {
	HasCredentials() bool
	HasToken(ctx context.Context) bool
	AuthURL() (string, error)
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Client(ctx context.Context) (*http.Client, error)
}

// ClientFactory wraps an authorized HTTP client in a mail client.
type ClientFactory func(ctx context.Context, hc *http.Client) (poll.MailClient, error)

type Service struct {
	auth         Authorizer
	newClient    ClientFactory
	poller       *poll.Poller
	hub          *broadcast.Hub
	snapshotSize int64
	log          logger.Logger

	// OpenURL, when set, opens the consent URL on the local machine
	// whenever authorization is required.
	OpenURL func(url string) error

	mu     sync.Mutex
	client poll.MailClient
}

func New(a Authorizer, f ClientFactory, p *poll.Poller, h *broadcast.Hub, snapshotSize int64, log logger.Logger) *Service {
	return &Service{
		auth:         a,
		newClient:    f,
		poller:       p,
		hub:          h,
		snapshotSize: snapshotSize,
		log:          log,
	}
}

func (s *Service) Poller() *poll.Poller { return s.poller }

func (s *Service) attach(ctx context.Context) (poll.MailClient, error) {
	hc, err := s.auth.Client(ctx)
	if err != nil {
		return nil, err
	}
	c, err := s.newClient(ctx, hc)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create mail client")
	}
	s.client = c
	s.poller.SetClient(c)
	return c, nil
}

// Authorize returns the attached mail client, building one from the
// stored token if there is none yet.
func (s *Service) Authorize(ctx context.Context) (poll.MailClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	return s.attach(ctx)
}

// Authenticate attaches a client from the stored token and reports
// true.  Without a token it broadcasts the consent URL and reports
// false.
func (s *Service) Authenticate(ctx context.Context) (bool, error) {
	if !s.auth.HasCredentials() {
		return false, errors.New(msgCredentialsMissing)
	}
	if s.auth.HasToken(ctx) {
		if _, err := s.Authorize(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
	url, err := s.auth.AuthURL()
	if err != nil {
		return false, err
	}
	s.log.Infof("authorization required, open %s", url)
	s.hub.Emit(event.AuthRequired("", url))
	if s.OpenURL != nil {
		if err := s.OpenURL(url); err != nil {
			s.log.Warnf("unable to open browser: %v", err)
		}
	}
	return false, nil
}

// startMonitoring runs poller.Start detached from ctx's cancellation.
func (s *Service) startMonitoring(ctx context.Context) {
	if err := s.poller.Start(context.WithoutCancel(ctx)); err != nil {
		s.log.Errorf("unable to start monitoring: %v", err)
	}
}

// Connect registers v and replays the current state to it.
func (s *Service) Connect(ctx context.Context, v broadcast.Viewer) {
	s.hub.Register(v)

	if s.auth.HasToken(ctx) {
		err := s.replayAuthorized(ctx, v)
		switch {
		case err == nil:
		case auth.IsKind(err, auth.CredentialsMissing):
			s.log.Warnf("viewer %s: token present but %v", v.ID(), err)
			v.Send(event.CredentialsMissing(msgCredentialsMissing))
		default:
			s.log.Warnf("viewer %s: stored token unusable: %v", v.ID(), err)
			v.Send(event.AuthRequired(msgAuthRequired, ""))
		}
		return
	}
	if !s.auth.HasCredentials() {
		v.Send(event.CredentialsMissing(msgCredentialsMissing))
		return
	}
	v.Send(event.AuthRequired(msgAuthRequired, ""))
}

func (s *Service) replayAuthorized(ctx context.Context, v broadcast.Viewer) error {
	c, err := s.Authorize(ctx)
	if err != nil {
		return err
	}
	profile, err := c.GetProfile(ctx)
	if err != nil {
		return err
	}
	v.Send(event.Authenticated(profile.EmailAddress))

	if !s.poller.Active() {
		s.startMonitoring(ctx)
		return nil
	}
	v.Send(event.RecentSnapshot(s.snapshot(ctx)))
	return nil
}

func (s *Service) Disconnect(v broadcast.Viewer) {
	s.hub.Unregister(v)
}

func (s *Service) snapshot(ctx context.Context) []message.Email {
	emails, err := s.poller.Snapshot(ctx, s.snapshotSize)
	if err != nil {
		s.log.Errorf("unable to get recent messages: %v", err)
	}
	return emails
}

// StartAuth handles the startAuth command.
func (s *Service) StartAuth(ctx context.Context, v broadcast.Viewer) {
	if _, err := s.Authenticate(ctx); err != nil {
		v.Send(event.PollError(err.Error()))
	}
}

// Refresh handles the refreshEmails command.  It does nothing before
// authorization.
func (s *Service) Refresh(ctx context.Context, v broadcast.Viewer) {
	s.mu.Lock()
	authorized := s.client != nil
	s.mu.Unlock()
	if !authorized {
		return
	}
	v.Send(event.RecentSnapshot(s.snapshot(ctx)))
}

// Handle dispatches a viewer command.
func (s *Service) Handle(ctx context.Context, v broadcast.Viewer, cmd event.Command) {
	switch cmd.Kind {
	case event.CommandStartAuth:
		s.StartAuth(ctx, v)
	case event.CommandRefreshEmails:
		s.Refresh(ctx, v)
	default:
		s.log.Debugf("viewer %s: ignoring unknown command %q", v.ID(), cmd.Kind)
	}
}

// CompleteAuth finishes the consent flow: it saves the token for
// code, attaches a fresh client, announces it and starts monitoring
// in the background.
func (s *Service) CompleteAuth(ctx context.Context, code string) error {
	if _, err := s.auth.Exchange(ctx, code); err != nil {
		return err
	}

	s.mu.Lock()
	_, err := s.attach(ctx)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.hub.Emit(event.Authenticated(""))
	go s.startMonitoring(ctx)
	return nil
}
