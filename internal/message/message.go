package message

// This file provides the common data objects used by the rest of the
// program.

// ID identifies a message in a list response.
type ID struct {
	// The permanent and unique ID of a message in the mailbox.
	PermID string

	// The ID of the thread associated with the message.  May be
	// empty.
	ThreadID string
}

// Profile defines per-account information in a message mailbox.
type Profile struct {
	EmailAddress string

	// The ID of the mailbox's current history record, formatted as
	// a decimal string.  Only compared for equality; callers must
	// not do arithmetic on it.
	HistoryID string
}

// ListOptions restricts a mailbox listing.
type ListOptions struct {
	// Upper bound on the number of IDs returned.  Zero means the
	// provider's default page size.
	MaxResults int64

	// Only messages carrying all of these label identifiers are
	// listed.
	LabelIDs []string

	// Provider search query, e.g. "is:unread".
	Query string
}

// Email is the normalized record pushed to viewers.
type Email struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Date    string `json:"date"`
	Snippet string `json:"snippet"`

	// Plain text with markup removed and whitespace collapsed,
	// truncated to the extractor's limit.
	Body string `json:"body"`

	// The provider's label identifiers, untranslated.  Never nil.
	Labels []string `json:"labels"`
}

const (
	LabelInbox  = "INBOX"
	LabelUnread = "UNREAD"

	QueryUnread = "is:unread"
)
