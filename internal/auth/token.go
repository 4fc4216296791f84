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

package auth

import (
	"context"
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// TokenStore persists the OAuth token of the single monitored account.
type TokenStore interface {
	LoadToken(ctx context.Context) (*oauth2.Token, error)
	SaveToken(ctx context.Context, tok *oauth2.Token) error
}

// FileTokenStore keeps the token as JSON in a file readable only by
// the current user.
type FileTokenStore struct {
	Path string
}

func (s FileTokenStore) LoadToken(ctx context.Context) (*oauth2.Token, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, errors.Wrapf(err, "unable to decode token file %q", s.Path)
	}
	return tok, nil
}

func (s FileTokenStore) SaveToken(ctx context.Context, tok *oauth2.Token) error {
	f, err := os.OpenFile(s.Path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrapf(err, "unable to save token to %q", s.Path)
	}
	if err := json.NewEncoder(f).Encode(tok); err != nil {
		f.Close()
		return errors.Wrapf(err, "unable to encode token to %q", s.Path)
	}
	return f.Close()
}
