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

// Package extract turns a Gmail API message into a message.Email.
package extract

import (
	"encoding/base64"
	"regexp"
	"strings"

	gmail_api "google.golang.org/api/gmail/v1"

	"github.com/matta/inboxwatch/internal/message"
)

// DefaultMaxBodyChars is used when Extractor.MaxBodyChars is not
// positive.
const DefaultMaxBodyChars = 1000

const (
	mimeTextPlain = "text/plain"
	mimeTextHTML  = "text/html"
)

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// ExtractionError is returned for a message with no payload.
type ExtractionError struct {
	ID     string
	Reason string
}

func (e *ExtractionError) Error() string {
	if e.ID == "" {
		return "extract message: " + e.Reason
	}
	return "extract message " + e.ID + ": " + e.Reason
}

// Extractor is safe for concurrent use.
type Extractor struct {
	MaxBodyChars int
}

func (x Extractor) maxBodyChars() int {
	if x.MaxBodyChars <= 0 {
		return DefaultMaxBodyChars
	}
	return x.MaxBodyChars
}

// Extract builds the Email for msg.  Missing headers and undecodable
// bodies produce empty fields, not errors.
func (x Extractor) Extract(msg *gmail_api.Message) (message.Email, error) {
	if msg == nil {
		return message.Email{}, &ExtractionError{Reason: "nil message"}
	}
	if msg.Payload == nil {
		return message.Email{}, &ExtractionError{ID: msg.Id, Reason: "message has no payload"}
	}
	p := msg.Payload

	labels := make([]string, len(msg.LabelIds))
	copy(labels, msg.LabelIds)

	return message.Email{
		ID:      msg.Id,
		From:    header(p.Headers, "From"),
		To:      header(p.Headers, "To"),
		Subject: header(p.Headers, "Subject"),
		Date:    header(p.Headers, "Date"),
		Snippet: msg.Snippet,
		Body:    truncate(clean(rawBody(p)), x.maxBodyChars()),
		Labels:  labels,
	}, nil
}

// header returns the value of the first header called name, ignoring
// case.
func header(headers []*gmail_api.MessagePartHeader, name string) string {
	for _, h := range headers {
		if h != nil && strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func hasData(p *gmail_api.MessagePart) bool {
	return p != nil && p.Body != nil && p.Body.Data != ""
}

// rawBody picks the body text: the payload's own body, else the first
// text/plain part, else the last text/html part.
func rawBody(p *gmail_api.MessagePart) string {
	if hasData(p) {
		return decode(p.Body.Data)
	}
	var html *gmail_api.MessagePart
	for _, part := range p.Parts {
		if !hasData(part) {
			continue
		}
		switch part.MimeType {
		case mimeTextPlain:
			return decode(part.Body.Data)
		case mimeTextHTML:
			html = part
		}
	}
	if html != nil {
		return decode(html.Body.Data)
	}
	return ""
}

var encodings = []*base64.Encoding{
	base64.URLEncoding,
	base64.RawURLEncoding,
	base64.StdEncoding,
	base64.RawStdEncoding,
}

// decode accepts both base64 alphabets, padded or not.  Undecodable
// data yields "".
func decode(data string) string {
	for _, enc := range encodings {
		if b, err := enc.DecodeString(data); err == nil {
			return string(b)
		}
	}
	return ""
}

// clean replaces tags with spaces, then collapses and trims
// whitespace.
func clean(s string) string {
	s = tagPattern.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

// truncate keeps the first n runes of s.  Invalid UTF-8 becomes
// U+FFFD first.
func truncate(s string, n int) string {
	s = strings.ToValidUTF8(s, "�")
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
