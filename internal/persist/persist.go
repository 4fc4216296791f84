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

// Package persist stores OAuth tokens in a SQLite database, as an
// alternative to the plain token file.
package persist

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	// Registers the "sqlite3" driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/matta/inboxwatch/internal/logger"
)

// ErrNoToken is returned by LoadToken when no token has been saved for
// the account.
var ErrNoToken = errors.New("no token stored")

var (
	createTableSql = []string{
		// The oauth_tokens table holds the most recent token for
		// each account.
		//
		// Field: account
		//
		//   Free-form key.  The service uses a single fixed
		//   account name.
		//
		// Field: expiry
		//
		//   Unix seconds, or NULL when the token does not expire.
		`
CREATE TABLE IF NOT EXISTS oauth_tokens (
account TEXT NOT NULL PRIMARY KEY,
access_token TEXT NOT NULL,
token_type TEXT NOT NULL,
refresh_token TEXT NOT NULL,
expiry INTEGER
);`,
	}
)

type DB struct {
	db  *sql.DB
	log logger.Logger
}

type Tx struct {
	tx *sql.Tx
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func Open(ctx context.Context, path string, log logger.Logger) (*DB, error) {
	// Token writes are rare; a short busy timeout is enough.
	var busyTimeout = int(30*time.Second) / int(time.Millisecond)

	// A relative path would be read as the URL host.
	if !strings.HasPrefix(path, "file:") {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, errors.Wrapf(err, "Open(%q) failed", path)
		}
		path = abs
	}
	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	log.Infof("opening token database at %q", dsn)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db, log); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db: db, log: log}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	return &Tx{tx}, nil
}

func (tx *Tx) Commit() error {
	return tx.tx.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.tx.Rollback()
}

func initSchema(ctx context.Context, db *sql.DB, log logger.Logger) error {
	for _, sql := range createTableSql {
		log.Debugf("SQL Exec: %q", sql)
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}

	return nil
}

func (tx *Tx) LoadToken(ctx context.Context, account string) (*oauth2.Token, error) {
	const q = `
SELECT access_token, token_type, refresh_token, expiry
FROM oauth_tokens
WHERE account = $1
`
	row := tx.tx.QueryRowContext(ctx, q, account)
	var (
		tok    oauth2.Token
		expiry sql.NullInt64
	)
	if err := row.Scan(&tok.AccessToken, &tok.TokenType, &tok.RefreshToken, &expiry); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNoToken
		}
		return nil, errors.Wrap(err, "db scan failed in LoadToken")
	}
	if expiry.Valid {
		tok.Expiry = time.Unix(expiry.Int64, 0)
	}
	return &tok, nil
}

func (tx *Tx) SaveToken(ctx context.Context, account string, tok *oauth2.Token) error {
	const q = `
INSERT INTO oauth_tokens (account, access_token, token_type, refresh_token, expiry)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (account)
DO UPDATE SET (access_token, token_type, refresh_token, expiry) = ($2, $3, $4, $5)
`
	var expiry sql.NullInt64
	if !tok.Expiry.IsZero() {
		expiry = sql.NullInt64{Int64: tok.Expiry.Unix(), Valid: true}
	}
	_, err := tx.tx.ExecContext(ctx, q, account,
		tok.AccessToken, tok.TokenType, tok.RefreshToken, expiry)
	if err != nil {
		return errors.Wrap(err, "db upsert failed in SaveToken")
	}
	return nil
}

// TokenStore binds a DB to a single account.  It satisfies the token
// store interface used by the auth package.
type TokenStore struct {
	DB      *DB
	Account string
}

func (s TokenStore) LoadToken(ctx context.Context) (*oauth2.Token, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return tx.LoadToken(ctx, s.Account)
}

func (s TokenStore) SaveToken(ctx context.Context, tok *oauth2.Token) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	if err := tx.SaveToken(ctx, s.Account, tok); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit failed in SaveToken")
	}
	s.DB.log.Debugf("saved token for account %q", s.Account)
	return nil
}
