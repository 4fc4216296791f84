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

// Package event defines the messages exchanged with dashboard viewers.
package event

import (
	"github.com/matta/inboxwatch/internal/message"
)

// Kind is the wire name of an event.
type Kind string

const (
	KindCredentialsMissing Kind = "needsCredentials"
	KindAuthRequired       Kind = "needsAuth"
	KindAuthenticated      Kind = "authenticated"
	KindMonitoringStarted  Kind = "monitoringStarted"
	KindRecentSnapshot     Kind = "recentEmails"
	KindNewMessage         Kind = "newEmail"
	KindError              Kind = "error"
)

// Commands sent by viewers.
const (
	CommandStartAuth     Kind = "startAuth"
	CommandRefreshEmails Kind = "refreshEmails"
)

// Event is a single server to viewer message.  It marshals as
// {"event": Kind, "data": Data}.
type Event struct {
	Kind Kind        `json:"event"`
	Data interface{} `json:"data"`
}

// Command is a viewer to server message.
type Command struct {
	Kind Kind `json:"event"`
}

// Emitter accepts events for distribution.  Implementations must not
// block the caller.
type Emitter interface {
	Emit(e Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

type messagePayload struct {
	Message string `json:"message"`
}

type authRequiredPayload struct {
	Message string `json:"message,omitempty"`
	AuthURL string `json:"authUrl,omitempty"`
}

type authenticatedPayload struct {
	Success bool   `json:"success"`
	Email   string `json:"email,omitempty"`
}

type accountPayload struct {
	Email string `json:"email"`
}

func CredentialsMissing(msg string) Event {
	return Event{Kind: KindCredentialsMissing, Data: messagePayload{Message: msg}}
}

// AuthRequired tells viewers to send the user through the consent
// flow.  authURL may be empty when the viewer should use /login.
func AuthRequired(msg, authURL string) Event {
	return Event{Kind: KindAuthRequired, Data: authRequiredPayload{Message: msg, AuthURL: authURL}}
}

func Authenticated(email string) Event {
	return Event{Kind: KindAuthenticated, Data: authenticatedPayload{Success: true, Email: email}}
}

func MonitoringStarted(email string) Event {
	return Event{Kind: KindMonitoringStarted, Data: accountPayload{Email: email}}
}

// RecentSnapshot carries the most recent inbox messages, newest first.
func RecentSnapshot(emails []message.Email) Event {
	if emails == nil {
		emails = []message.Email{}
	}
	return Event{Kind: KindRecentSnapshot, Data: emails}
}

func NewMessage(email message.Email) Event {
	return Event{Kind: KindNewMessage, Data: email}
}

func PollError(msg string) Event {
	return Event{Kind: KindError, Data: messagePayload{Message: msg}}
}
