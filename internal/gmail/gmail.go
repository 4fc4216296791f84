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

package gmail

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/matta/inboxwatch/internal/logger"
	"github.com/matta/inboxwatch/internal/message"
)

const (
	// See https://developers.google.com/gmail/api/reference/quota
	quotaUnitsMessagesGet     = 5
	quotaUnitsPerGetProfile   = 1
	quotaUnitsPerMessagesList = 5

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	// Attempts per call when Gmail answers 429.
	maxAttempts = 3
)

var (
	ErrMessageNotFound = errors.New("gmail message not found")

	retryBackoff = 500 * time.Millisecond
)

// ProviderError is returned by every Client method.  Code is the HTTP
// status when Gmail answered, zero otherwise.
type ProviderError struct {
	Op   string
	Code int
	Err  error
}

func (e *ProviderError) Error() string {
	if e.Code != 0 {
		return "gmail " + e.Op + " (HTTP " + strconv.Itoa(e.Code) + "): " + e.Err.Error()
	}
	return "gmail " + e.Op + ": " + e.Err.Error()
}

func (e *ProviderError) Unwrap() error { return e.Err }
func (e *ProviderError) Cause() error  { return e.Err }

func statusCode(err error) int {
	if apiErr, ok := errors.Cause(err).(*googleapi.Error); ok {
		return apiErr.Code
	}
	return 0
}

// clientFault reports whether Gmail rejected the request itself.
// Such errors say nothing about Gmail's health and do not count
// against the circuit breaker.
func clientFault(err error) bool {
	code := statusCode(err)
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}

func isNotFound(err error) bool {
	apiErr, ok := errors.Cause(err).(*googleapi.Error)
	if !ok || apiErr.Code != http.StatusNotFound {
		return false
	}
	for _, item := range apiErr.Errors {
		if item.Reason == "notFound" {
			return true
		}
	}
	return false
}

// Client provides access to the messages of one Gmail account.
type Client struct {
	service *gmail_api.Service
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker
	log     logger.Logger
}

// New returns a Client using httpClient, which must already carry the
// account's credentials.  opts are passed on to the Gmail service.
func New(ctx context.Context, httpClient *http.Client, log logger.Logger, opts ...option.ClientOption) (*Client, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	s, err := gmail_api.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create Gmail service")
	}
	l := rate.NewLimiter(rateLimitPerSecond, rateLimitBurst)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || clientFault(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("circuit breaker %s: %s -> %s", name, from, to)
		},
	})
	return &Client{service: s, limiter: l, cb: cb, log: log}, nil
}

// BreakerState is "closed", "half-open" or "open".
func (c *Client) BreakerState() string {
	return c.cb.State().String()
}

// call runs fn under the rate limiter and circuit breaker, retrying
// on 429.  Errors are returned as *ProviderError.
func (c *Client) call(ctx context.Context, op string, units int, fn func() error) error {
	for attempt := 1; ; attempt++ {
		if err := c.limiter.WaitN(ctx, units); err != nil {
			return &ProviderError{Op: op, Err: err}
		}
		_, err := c.cb.Execute(func() (interface{}, error) {
			return nil, fn()
		})
		if err == nil {
			return nil
		}
		code := statusCode(err)
		if code == http.StatusTooManyRequests && attempt < maxAttempts {
			c.log.Debugf("gmail %s rate limited, attempt %d", op, attempt)
			select {
			case <-ctx.Done():
				return &ProviderError{Op: op, Err: ctx.Err()}
			case <-time.After(retryBackoff * time.Duration(attempt)):
			}
			continue
		}
		if isNotFound(err) {
			err = ErrMessageNotFound
		}
		return &ProviderError{Op: op, Code: code, Err: err}
	}
}

// GetProfile returns the account address and current history id.
func (c *Client) GetProfile(ctx context.Context) (*message.Profile, error) {
	var u *gmail_api.Profile
	err := c.call(ctx, "users.getProfile", quotaUnitsPerGetProfile, func() (err error) {
		u, err = c.service.Users.GetProfile("me").Context(ctx).Do()
		return
	})
	if err != nil {
		return nil, err
	}
	return &message.Profile{
		EmailAddress: u.EmailAddress,
		HistoryID:    strconv.FormatUint(u.HistoryId, 10),
	}, nil
}

// ListInbox returns the first page of message ids matching opt, most
// recent first.
func (c *Client) ListInbox(ctx context.Context, opt message.ListOptions) ([]message.ID, error) {
	req := c.service.Users.Messages.List("me").Context(ctx)
	if opt.MaxResults > 0 {
		req = req.MaxResults(opt.MaxResults)
	}
	if len(opt.LabelIDs) > 0 {
		req = req.LabelIds(opt.LabelIDs...)
	}
	if opt.Query != "" {
		req = req.Q(opt.Query)
	}

	var page *gmail_api.ListMessagesResponse
	err := c.call(ctx, "users.messages.list", quotaUnitsPerMessagesList, func() (err error) {
		page, err = req.Do()
		return
	})
	if err != nil {
		return nil, err
	}
	ids := make([]message.ID, 0, len(page.Messages))
	for _, msg := range page.Messages {
		ids = append(ids, message.ID{PermID: msg.Id, ThreadID: msg.ThreadId})
	}
	c.log.Debugf("listed %d Gmail messages", len(ids))
	return ids, nil
}

// GetMessage fetches the full message, parsed into parts by Gmail.
// A missing id yields a *ProviderError wrapping ErrMessageNotFound.
func (c *Client) GetMessage(ctx context.Context, id string) (*gmail_api.Message, error) {
	var msg *gmail_api.Message
	err := c.call(ctx, "users.messages.get", quotaUnitsMessagesGet, func() (err error) {
		msg, err = c.service.Users.Messages.Get("me", id).Context(ctx).Format("full").Do()
		return
	})
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			c.log.Warnf("message %s not found", id)
		}
		return nil, err
	}
	return msg, nil
}
