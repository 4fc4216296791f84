package extract

import (
	"encoding/base64"
	"regexp"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"
	gmail_api "google.golang.org/api/gmail/v1"

	"github.com/matta/inboxwatch/internal/message"
)

func enc(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func part(mime, text string) *gmail_api.MessagePart {
	return &gmail_api.MessagePart{
		MimeType: mime,
		Body:     &gmail_api.MessagePartBody{Data: enc(text)},
	}
}

func multipart(parts ...*gmail_api.MessagePart) *gmail_api.Message {
	return &gmail_api.Message{
		Id: "m1",
		Payload: &gmail_api.MessagePart{
			MimeType: "multipart/alternative",
			Body:     &gmail_api.MessagePartBody{},
			Parts:    parts,
		},
	}
}

func TestExtractFields(t *testing.T) {
	msg := &gmail_api.Message{
		Id:       "abc",
		Snippet:  "preview",
		LabelIds: []string{"INBOX", "UNREAD"},
		Payload: &gmail_api.MessagePart{
			Headers: []*gmail_api.MessagePartHeader{
				{Name: "from", Value: "Ann <ann@example.com>"},
				{Name: "TO", Value: "me@example.com"},
				{Name: "Subject", Value: "Hello"},
				{Name: "Subject", Value: "Ignored"},
				{Name: "Date", Value: "Mon, 2 Jan 2006 15:04:05 -0700"},
			},
			Body: &gmail_api.MessagePartBody{Data: enc("Hi   there\n\nfriend")},
		},
	}
	got, err := Extractor{}.Extract(msg)
	if err != nil {
		t.Fatalf("Extract() failed: %v", err)
	}
	want := message.Email{
		ID:      "abc",
		From:    "Ann <ann@example.com>",
		To:      "me@example.com",
		Subject: "Hello",
		Date:    "Mon, 2 Jan 2006 15:04:05 -0700",
		Snippet: "preview",
		Body:    "Hi there friend",
		Labels:  []string{"INBOX", "UNREAD"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Extract() mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractMissingHeadersAndLabels(t *testing.T) {
	got, err := Extractor{}.Extract(&gmail_api.Message{Id: "x", Payload: &gmail_api.MessagePart{}})
	if err != nil {
		t.Fatalf("Extract() failed: %v", err)
	}
	if got.From != "" || got.To != "" || got.Subject != "" || got.Date != "" || got.Body != "" {
		t.Errorf("Extract() = %+v, want empty strings", got)
	}
	if got.Labels == nil || len(got.Labels) != 0 {
		t.Errorf("Extract().Labels = %#v, want empty non-nil slice", got.Labels)
	}
}

func TestExtractNoPayload(t *testing.T) {
	for _, msg := range []*gmail_api.Message{nil, {Id: "x"}} {
		_, err := Extractor{}.Extract(msg)
		if _, ok := err.(*ExtractionError); !ok {
			t.Errorf("Extract(%+v) = %v, want *ExtractionError", msg, err)
		}
	}
}

func TestBodySelection(t *testing.T) {
	cases := []struct {
		name string
		msg  *gmail_api.Message
		want string
	}{
		{"plain after html", multipart(part("text/html", "<b>html</b>"), part("text/plain", "plain")), "plain"},
		{"plain before html", multipart(part("text/plain", "plain"), part("text/html", "<b>html</b>")), "plain"},
		{"first plain wins", multipart(part("text/plain", "one"), part("text/plain", "two")), "one"},
		{"last html wins", multipart(part("text/html", "<p>first</p>"), part("text/html", "<p>last</p>")), "last"},
		{"empty plain skipped", multipart(&gmail_api.MessagePart{MimeType: "text/plain", Body: &gmail_api.MessagePartBody{}}, part("text/html", "html")), "html"},
		{"other types ignored", multipart(part("image/png", "png"), part("text/plain", "plain")), "plain"},
		{"mime match is exact", multipart(part("Text/Plain", "upper")), ""},
		{"no parts", multipart(), ""},
	}
	for _, tc := range cases {
		got, err := Extractor{}.Extract(tc.msg)
		if err != nil {
			t.Errorf("%s: Extract() failed: %v", tc.name, err)
			continue
		}
		if got.Body != tc.want {
			t.Errorf("%s: Body = %q, want %q", tc.name, got.Body, tc.want)
		}
	}
}

func TestTopLevelBodyPreferred(t *testing.T) {
	msg := multipart(part("text/plain", "part"))
	msg.Payload.Body.Data = enc("top")
	got, err := Extractor{}.Extract(msg)
	if err != nil {
		t.Fatal(err)
	}
	if got.Body != "top" {
		t.Errorf("Body = %q, want %q", got.Body, "top")
	}
}

func TestDecodeAlphabets(t *testing.T) {
	// "??>" encodes to characters that differ between the alphabets.
	const text = "??>ok"
	cases := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}
	for _, e := range cases {
		data := e.EncodeToString([]byte(text))
		if got := decode(data); got != text {
			t.Errorf("decode(%q) = %q, want %q", data, got, text)
		}
	}
	if got := decode("!!not base64!!"); got != "" {
		t.Errorf("decode(garbage) = %q, want empty", got)
	}
}

func TestUndecodableBodyIsEmpty(t *testing.T) {
	msg := &gmail_api.Message{Id: "x", Payload: &gmail_api.MessagePart{
		Body: &gmail_api.MessagePartBody{Data: "%%%"},
	}}
	got, err := Extractor{}.Extract(msg)
	if err != nil {
		t.Fatalf("Extract() = %v, want nil error", err)
	}
	if got.Body != "" {
		t.Errorf("Body = %q, want empty", got.Body)
	}
}

func TestClean(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"<html><body><p>Hello</p><p>World</p></body></html>", "Hello World"},
		{"  a \t\r\n  b  ", "a b"},
		{"<a href=\"x\">link</a>text", "link text"},
		{"1 < 2 and 3 > 2", "1 2"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := clean(tc.in); got != tc.want {
			t.Errorf("clean(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

var (
	tagRemnant = regexp.MustCompile(`<[^>]*>`)
	spaceRun   = regexp.MustCompile(`\s{2,}`)
)

func TestBodyHasNoTagsOrSpaceRuns(t *testing.T) {
	html := "<div>\n  <h1>Title</h1>\n\n<table><tr><td>cell</td>   <td>cell</td></tr></table>  </div>"
	got, err := Extractor{}.Extract(multipart(part("text/html", html)))
	if err != nil {
		t.Fatal(err)
	}
	if tagRemnant.MatchString(got.Body) {
		t.Errorf("Body %q contains a tag", got.Body)
	}
	if spaceRun.MatchString(got.Body) {
		t.Errorf("Body %q contains a whitespace run", got.Body)
	}
	if got.Body != "Title cell cell" {
		t.Errorf("Body = %q, want %q", got.Body, "Title cell cell")
	}
}

func TestTruncation(t *testing.T) {
	long := strings.Repeat("x", 1500)
	got, err := Extractor{}.Extract(multipart(part("text/plain", long)))
	if err != nil {
		t.Fatal(err)
	}
	if n := utf8.RuneCountInString(got.Body); n != DefaultMaxBodyChars {
		t.Errorf("len(Body) = %d, want %d", n, DefaultMaxBodyChars)
	}

	got, err = Extractor{MaxBodyChars: 3}.Extract(multipart(part("text/plain", "héllo")))
	if err != nil {
		t.Fatal(err)
	}
	if got.Body != "hél" {
		t.Errorf("Body = %q, want %q", got.Body, "hél")
	}
}

func TestTruncate(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"abc", 5, "abc"},
		{"abc", 3, "abc"},
		{"abcdef", 3, "abc"},
		{"日本語テキスト", 2, "日本"},
		{"a\xffb", 2, "a�"},
		{"", 1, ""},
	}
	for _, tc := range cases {
		got := truncate(tc.in, tc.n)
		if got != tc.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) = %q is not valid UTF-8", tc.in, tc.n, got)
		}
	}
}

func TestExtractIdempotent(t *testing.T) {
	msg := multipart(part("text/html", "<p>same</p>"), part("text/html", "<p>again</p>"))
	msg.LabelIds = []string{"INBOX"}
	x := Extractor{}
	first, err := x.Extract(msg)
	if err != nil {
		t.Fatal(err)
	}
	second, err := x.Extract(msg)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("second Extract() differs (-first +second):\n%s", diff)
	}
}

func TestLabelsAreCopied(t *testing.T) {
	msg := multipart(part("text/plain", "x"))
	msg.LabelIds = []string{"INBOX"}
	got, err := Extractor{}.Extract(msg)
	if err != nil {
		t.Fatal(err)
	}
	msg.LabelIds[0] = "CHANGED"
	if got.Labels[0] != "INBOX" {
		t.Errorf("Labels aliases the message's slice: %v", got.Labels)
	}
}
