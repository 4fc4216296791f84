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

package poll

// This file declares what the poller needs from the mail provider.

import (
	"context"

	gmail_api "google.golang.org/api/gmail/v1"

	"github.com/matta/inboxwatch/internal/message"
)

// MessageLister lists message identifiers from a mailbox.
type MessageLister interface {
	ListInbox(ctx context.Context, opt message.ListOptions) ([]message.ID, error)
}

// MessageGetter fetches a single message with its body parts.
type MessageGetter interface {
	GetMessage(ctx context.Context, id string) (*gmail_api.Message, error)
}

// MessageProfiler gets per account metadata, including the current
// history id.
type MessageProfiler interface {
	GetProfile(ctx context.Context) (*message.Profile, error)
}

// MailClient provides everything the poller does with a mailbox.
type MailClient interface {
	MessageLister
	MessageGetter
	MessageProfiler
}

// MessageExtractor normalizes a fetched message.
type MessageExtractor interface {
	Extract(msg *gmail_api.Message) (message.Email, error)
}
