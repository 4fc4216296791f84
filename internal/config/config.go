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

package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/matta/inboxwatch/internal/logger"
)

type Config struct {
	App     *AppConfig
	Auth    *AuthConfig
	Monitor *MonitorConfig
	Logger  *logger.Config
}

type AppConfig struct {
	Port      string `env:"PORT" envDefault:"5000"`
	TraceHTTP bool   `env:"TRACE_HTTP" envDefault:"false"`

	// Open the consent page in a local browser when authorization is
	// required.  Ignored for hosted deployments.
	OpenBrowser bool `env:"OPEN_BROWSER" envDefault:"false"`

	// Outbound events buffered per viewer before new ones are
	// dropped for that viewer.
	ViewerQueueSize int `env:"VIEWER_QUEUE_SIZE" envDefault:"32"`
}

type AuthConfig struct {
	CredentialsPath string `env:"CREDENTIALS_PATH" envDefault:"credentials.json"`
	CredentialsJSON string `env:"GOOGLE_CREDENTIALS"`
	TokenPath       string `env:"TOKEN_PATH" envDefault:"token.json"`
	TokenDB         string `env:"TOKEN_DB"`
	PublicDomain    string `env:"PUBLIC_DOMAIN"`
	RailwayDomain   string `env:"RAILWAY_PUBLIC_DOMAIN"`
}

type MonitorConfig struct {
	PollInterval     time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	SnapshotSize     int64         `env:"SNAPSHOT_SIZE" envDefault:"10"`
	UnreadBatchSize  int64         `env:"UNREAD_BATCH_SIZE" envDefault:"5"`
	BodyMaxChars     int           `env:"BODY_MAX_CHARS" envDefault:"1000"`
	FetchConcurrency int           `env:"FETCH_CONCURRENCY" envDefault:"4"`
}

// Load reads an optional .env file and then the environment.  The
// returned error names the first invalid variable.
func Load() (*Config, bool, error) {
	dotenv := godotenv.Load() == nil

	cfg := &Config{
		App:     &AppConfig{},
		Auth:    &AuthConfig{},
		Monitor: &MonitorConfig{},
		Logger:  &logger.Config{},
	}
	if err := env.Parse(cfg); err != nil {
		return nil, dotenv, errors.Wrap(err, "unable to parse environment")
	}
	if err := cfg.validate(); err != nil {
		return nil, dotenv, err
	}
	return cfg, dotenv, nil
}

func (c *Config) validate() error {
	m := c.Monitor
	switch {
	case m.PollInterval <= 0:
		return fmt.Errorf("POLL_INTERVAL must be positive, got %v", m.PollInterval)
	case m.SnapshotSize <= 0:
		return fmt.Errorf("SNAPSHOT_SIZE must be positive, got %d", m.SnapshotSize)
	case m.UnreadBatchSize <= 0:
		return fmt.Errorf("UNREAD_BATCH_SIZE must be positive, got %d", m.UnreadBatchSize)
	case m.BodyMaxChars <= 0:
		return fmt.Errorf("BODY_MAX_CHARS must be positive, got %d", m.BodyMaxChars)
	case m.FetchConcurrency <= 0:
		return fmt.Errorf("FETCH_CONCURRENCY must be positive, got %d", m.FetchConcurrency)
	case c.App.ViewerQueueSize <= 0:
		return fmt.Errorf("VIEWER_QUEUE_SIZE must be positive, got %d", c.App.ViewerQueueSize)
	}
	return nil
}

func (c *Config) publicDomain() string {
	if c.Auth.PublicDomain != "" {
		return c.Auth.PublicDomain
	}
	return c.Auth.RailwayDomain
}

// RedirectURL is the OAuth callback registered with Google.  Hosted
// deployments set a public domain; otherwise the local port is used.
func (c *Config) RedirectURL() string {
	if domain := c.publicDomain(); domain != "" {
		return "https://" + domain + "/oauth2callback"
	}
	return "http://localhost:" + c.App.Port + "/oauth2callback"
}

// LaunchBrowser reports whether the consent page should be opened
// locally.
func (c *Config) LaunchBrowser() bool {
	return c.App.OpenBrowser && c.publicDomain() == ""
}
