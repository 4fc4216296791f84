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

// Package poll detects new mail by periodically comparing the
// mailbox history id against the last one seen.
package poll

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/matta/inboxwatch/internal/event"
	"github.com/matta/inboxwatch/internal/logger"
	"github.com/matta/inboxwatch/internal/message"
)

var ErrNotAuthorized = errors.New("no authorized mail client")

type State int

const (
	// Idle: no mail client yet.
	Idle State = iota
	// Authorized: a client is attached but monitoring has not
	// started.
	Authorized
	// Monitoring: Start has run and ticks are scheduled.
	Monitoring
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Authorized:
		return "authorized"
	case Monitoring:
		return "monitoring"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Config struct {
	Interval        time.Duration
	SnapshotSize    int64
	UnreadBatchSize int64

	// Parallel message fetches within one batch.
	Concurrency int
}

// Poller owns the poll state: the attached client, the history cursor
// and whether monitoring is active.
type Poller struct {
	cfg       Config
	extractor MessageExtractor
	emit      event.Emitter
	log       logger.Logger

	mu     sync.Mutex
	client MailClient
	cursor string
	active bool
	cron   *cron.Cron
	cancel context.CancelFunc

	// Held for the duration of a tick.
	ticking sync.Mutex
}

func New(cfg Config, x MessageExtractor, emit event.Emitter, log logger.Logger) *Poller {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Poller{cfg: cfg, extractor: x, emit: emit, log: log}
}

// SetClient attaches or replaces the mail client.  The cursor is kept
// across replacements.
func (p *Poller) SetClient(c MailClient) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client = c
}

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.client == nil:
		return Idle
	case p.active:
		return Monitoring
	}
	return Authorized
}

func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Cursor returns the last history id seen, or "" before the first
// successful profile fetch.
func (p *Poller) Cursor() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

func (p *Poller) setCursor(c string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursor = c
}

func (p *Poller) currentClient() MailClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

// Start seeds the cursor, emits the recent snapshot followed by
// monitoringStarted, and schedules ticks.  Later calls do nothing.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.client == nil {
		p.mu.Unlock()
		return ErrNotAuthorized
	}
	if p.active {
		p.mu.Unlock()
		return nil
	}
	p.active = true
	client := p.client
	p.mu.Unlock()

	p.log.Info("starting Gmail monitoring")
	if profile, err := client.GetProfile(ctx); err != nil {
		// The first successful tick seeds the cursor.
		p.log.Errorf("unable to fetch profile while starting monitoring: %v", err)
	} else {
		p.setCursor(profile.HistoryID)
		p.log.Infof("monitoring active, history id %s", profile.HistoryID)

		emails, err := p.snapshot(ctx, client, p.cfg.SnapshotSize)
		if err != nil {
			p.log.Errorf("unable to list recent messages: %v", err)
		}
		p.emit.Emit(event.RecentSnapshot(emails))
		p.emit.Emit(event.MonitoringStarted(profile.EmailAddress))
	}

	p.schedule()
	return nil
}

func (p *Poller) schedule() {
	ctx, cancel := context.WithCancel(context.Background())
	cl := logger.CronLogger{L: p.log}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(cron.Every(p.cfg.Interval), cron.FuncJob(func() {
		p.Tick(ctx)
	}))

	p.mu.Lock()
	p.cron = c
	p.cancel = cancel
	p.mu.Unlock()

	c.Start()
	p.log.Debugf("ticks scheduled every %v", p.cfg.Interval)
}

// Stop cancels in-flight provider calls and waits for a running tick
// to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	c, cancel := p.cron, p.cancel
	p.cron, p.cancel = nil, nil
	p.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
}

// Tick checks for new mail once.  Errors are logged and returned; the
// cursor is only left unchanged when the profile fetch fails.  A tick
// that overlaps a running one is skipped.
func (p *Poller) Tick(ctx context.Context) error {
	if !p.ticking.TryLock() {
		p.log.Debug("previous tick still running, skipping")
		return nil
	}
	defer p.ticking.Unlock()

	p.mu.Lock()
	client, active, prev := p.client, p.active, p.cursor
	p.mu.Unlock()
	if client == nil || !active {
		return nil
	}

	if err := p.tick(ctx, client, prev); err != nil {
		p.log.Errorf("error checking for new emails: %v", err)
		return err
	}
	return nil
}

func (p *Poller) tick(ctx context.Context, client MailClient, prev string) error {
	profile, err := client.GetProfile(ctx)
	if err != nil {
		return errors.Wrap(err, "unable to fetch mailbox version")
	}
	defer p.setCursor(profile.HistoryID)

	if prev == "" || profile.HistoryID == prev {
		return nil
	}
	p.log.Debugf("history id changed %s -> %s", prev, profile.HistoryID)

	ids, err := client.ListInbox(ctx, message.ListOptions{
		MaxResults: p.cfg.UnreadBatchSize,
		LabelIDs:   []string{message.LabelInbox},
		Query:      message.QueryUnread,
	})
	if err != nil {
		return errors.Wrap(err, "unable to list unread messages")
	}
	for _, e := range p.fetch(ctx, client, ids) {
		p.log.Infof("new email detected: %q", e.Subject)
		p.emit.Emit(event.NewMessage(e))
	}
	return nil
}

// Snapshot returns the n most recent inbox messages, newest first.
// Messages that cannot be fetched or extracted are left out.
func (p *Poller) Snapshot(ctx context.Context, n int64) ([]message.Email, error) {
	client := p.currentClient()
	if client == nil {
		return nil, ErrNotAuthorized
	}
	return p.snapshot(ctx, client, n)
}

func (p *Poller) snapshot(ctx context.Context, client MailClient, n int64) ([]message.Email, error) {
	ids, err := client.ListInbox(ctx, message.ListOptions{
		MaxResults: n,
		LabelIDs:   []string{message.LabelInbox},
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to list recent messages")
	}
	return p.fetch(ctx, client, ids), nil
}

// fetch gets and extracts ids concurrently.  The result keeps the
// order of ids, minus failures.
func (p *Poller) fetch(ctx context.Context, client MailClient, ids []message.ID) []message.Email {
	slots := make([]*message.Email, len(ids))
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			raw, err := client.GetMessage(ctx, id.PermID)
			if err != nil {
				p.log.Warnf("skipping message %s: %v", id.PermID, err)
				return nil
			}
			e, err := p.extractor.Extract(raw)
			if err != nil {
				p.log.Warnf("skipping message %s: %v", id.PermID, err)
				return nil
			}
			slots[i] = &e
			return nil
		})
	}
	g.Wait()

	emails := make([]message.Email, 0, len(ids))
	for _, e := range slots {
		if e != nil {
			emails = append(emails, *e)
		}
	}
	return emails
}
