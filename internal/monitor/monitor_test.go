package monitor

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	gmail_api "google.golang.org/api/gmail/v1"

	"github.com/matta/inboxwatch/internal/auth"
	"github.com/matta/inboxwatch/internal/broadcast"
	"github.com/matta/inboxwatch/internal/event"
	"github.com/matta/inboxwatch/internal/extract"
	"github.com/matta/inboxwatch/internal/logger"
	"github.com/matta/inboxwatch/internal/message"
	"github.com/matta/inboxwatch/internal/poll"
)

type fakeAuth struct {
	mu          sync.Mutex
	credentials bool
	token       bool
	clientErr   error
	exchangeErr error
}

func (f *fakeAuth) HasCredentials() bool { return f.credentials }

func (f *fakeAuth) HasToken(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeAuth) AuthURL() (string, error) {
	if !f.credentials {
		return "", errors.New("credentials missing")
	}
	return "https://accounts.example.com/consent", nil
}

func (f *fakeAuth) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = true
	return &oauth2.Token{AccessToken: code}, nil
}

func (f *fakeAuth) Client(ctx context.Context) (*http.Client, error) {
	if f.clientErr != nil {
		return nil, f.clientErr
	}
	return http.DefaultClient, nil
}

type fakeMail struct {
	profileErr error
}

func (f *fakeMail) GetProfile(ctx context.Context) (*message.Profile, error) {
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	return &message.Profile{EmailAddress: "me@example.com", HistoryID: "1"}, nil
}

func (f *fakeMail) ListInbox(ctx context.Context, opt message.ListOptions) ([]message.ID, error) {
	return []message.ID{{PermID: "a"}, {PermID: "b"}}, nil
}

func (f *fakeMail) GetMessage(ctx context.Context, id string) (*gmail_api.Message, error) {
	return &gmail_api.Message{Id: id, Payload: &gmail_api.MessagePart{}}, nil
}

type viewer struct {
	id string
	mu sync.Mutex
	ev []event.Event
}

func (v *viewer) ID() string { return v.id }

func (v *viewer) Send(e event.Event) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ev = append(v.ev, e)
	return true
}

func (v *viewer) kinds() []event.Kind {
	v.mu.Lock()
	defer v.mu.Unlock()
	var k []event.Kind
	for _, e := range v.ev {
		k = append(k, e.Kind)
	}
	return k
}

func (v *viewer) events() []event.Event {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]event.Event(nil), v.ev...)
}

type fixture struct {
	svc    *Service
	auth   *fakeAuth
	mail   *fakeMail
	poller *poll.Poller
	hub    *broadcast.Hub
}

func newFixture(t *testing.T, a *fakeAuth) *fixture {
	log := logger.NewNop()
	hub := broadcast.NewHub(log)
	p := poll.New(poll.Config{
		Interval:        time.Hour,
		SnapshotSize:    10,
		UnreadBatchSize: 5,
		Concurrency:     2,
	}, extract.Extractor{}, hub, log)
	t.Cleanup(p.Stop)

	mail := &fakeMail{}
	factory := func(ctx context.Context, hc *http.Client) (poll.MailClient, error) {
		return mail, nil
	}
	return &fixture{
		svc:    New(a, factory, p, hub, 10, log),
		auth:   a,
		mail:   mail,
		poller: p,
		hub:    hub,
	}
}

func TestConnectWithoutCredentials(t *testing.T) {
	f := newFixture(t, &fakeAuth{})
	v := &viewer{id: "v"}
	f.svc.Connect(context.Background(), v)

	assert.Equal(t, []event.Kind{event.KindCredentialsMissing}, v.kinds())
	assert.Equal(t, 1, f.hub.Count())
}

func TestConnectWithoutToken(t *testing.T) {
	f := newFixture(t, &fakeAuth{credentials: true})
	v := &viewer{id: "v"}
	f.svc.Connect(context.Background(), v)

	assert.Equal(t, []event.Kind{event.KindAuthRequired}, v.kinds())
	assert.Equal(t, poll.Idle, f.poller.State())
}

func TestConnectWithTokenStartsMonitoring(t *testing.T) {
	f := newFixture(t, &fakeAuth{credentials: true, token: true})
	v := &viewer{id: "v"}
	f.svc.Connect(context.Background(), v)

	want := []event.Kind{event.KindAuthenticated, event.KindRecentSnapshot, event.KindMonitoringStarted}
	assert.Equal(t, want, v.kinds())
	assert.Equal(t, event.Authenticated("me@example.com"), v.events()[0])
	assert.True(t, f.poller.Active())
}

func TestSecondViewerGetsPrivateSnapshot(t *testing.T) {
	f := newFixture(t, &fakeAuth{credentials: true, token: true})
	first := &viewer{id: "first"}
	f.svc.Connect(context.Background(), first)
	before := len(first.kinds())

	second := &viewer{id: "second"}
	f.svc.Connect(context.Background(), second)

	assert.Equal(t, []event.Kind{event.KindAuthenticated, event.KindRecentSnapshot}, second.kinds())
	assert.Len(t, first.kinds(), before, "first viewer saw the second viewer's replay")

	snap := second.events()[1].Data.([]message.Email)
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].ID)
	assert.Equal(t, "b", snap[1].ID)
}

func TestConnectWithBrokenToken(t *testing.T) {
	f := newFixture(t, &fakeAuth{credentials: true, token: true, clientErr: errors.New("bad token")})
	v := &viewer{id: "v"}
	f.svc.Connect(context.Background(), v)

	assert.Equal(t, []event.Kind{event.KindAuthRequired}, v.kinds())
	assert.False(t, f.poller.Active())
}

func TestConnectWithTokenButNoCredentials(t *testing.T) {
	f := newFixture(t, &fakeAuth{token: true, clientErr: &auth.CredentialError{Kind: auth.CredentialsMissing}})
	v := &viewer{id: "v"}
	f.svc.Connect(context.Background(), v)

	assert.Equal(t, []event.Kind{event.KindCredentialsMissing}, v.kinds())
	assert.Equal(t, poll.Idle, f.poller.State())
}

func TestConnectProfileFailure(t *testing.T) {
	f := newFixture(t, &fakeAuth{credentials: true, token: true})
	f.mail.profileErr = errors.New("revoked")
	v := &viewer{id: "v"}
	f.svc.Connect(context.Background(), v)

	assert.Equal(t, []event.Kind{event.KindAuthRequired}, v.kinds())
}

func TestStartAuthBroadcastsConsentURL(t *testing.T) {
	f := newFixture(t, &fakeAuth{credentials: true})
	asker, other := &viewer{id: "asker"}, &viewer{id: "other"}
	f.svc.Connect(context.Background(), asker)
	f.svc.Connect(context.Background(), other)

	f.svc.Handle(context.Background(), asker, event.Command{Kind: event.CommandStartAuth})

	want := event.AuthRequired("", "https://accounts.example.com/consent")
	for _, v := range []*viewer{asker, other} {
		ev := v.events()
		require.Len(t, ev, 2, "viewer %s", v.id)
		assert.Equal(t, want, ev[1], "viewer %s", v.id)
	}
}

func TestStartAuthOpensBrowser(t *testing.T) {
	f := newFixture(t, &fakeAuth{credentials: true})
	var opened []string
	f.svc.OpenURL = func(url string) error {
		opened = append(opened, url)
		return errors.New("no display")
	}
	v := &viewer{id: "v"}
	f.hub.Register(v)

	f.svc.StartAuth(context.Background(), v)

	assert.Equal(t, []string{"https://accounts.example.com/consent"}, opened)
	assert.Equal(t, []event.Kind{event.KindAuthRequired}, v.kinds(), "browser failure is not reported to viewers")
}

func TestStartAuthWithoutCredentials(t *testing.T) {
	f := newFixture(t, &fakeAuth{})
	v := &viewer{id: "v"}
	f.svc.StartAuth(context.Background(), v)

	assert.Equal(t, []event.Kind{event.KindError}, v.kinds())
}

func TestStartAuthWithToken(t *testing.T) {
	f := newFixture(t, &fakeAuth{credentials: true, token: true})
	v := &viewer{id: "v"}
	f.svc.StartAuth(context.Background(), v)

	assert.Empty(t, v.kinds())
	assert.Equal(t, poll.Authorized, f.poller.State())
}

func TestRefresh(t *testing.T) {
	f := newFixture(t, &fakeAuth{credentials: true, token: true})
	v := &viewer{id: "v"}

	f.svc.Handle(context.Background(), v, event.Command{Kind: event.CommandRefreshEmails})
	assert.Empty(t, v.kinds(), "refresh before authorization")

	_, err := f.svc.Authorize(context.Background())
	require.NoError(t, err)
	f.svc.Handle(context.Background(), v, event.Command{Kind: event.CommandRefreshEmails})
	assert.Equal(t, []event.Kind{event.KindRecentSnapshot}, v.kinds())
}

func TestCompleteAuth(t *testing.T) {
	f := newFixture(t, &fakeAuth{credentials: true})
	v := &viewer{id: "v"}
	f.hub.Register(v)

	require.NoError(t, f.svc.CompleteAuth(context.Background(), "code"))
	assert.Eventually(t, f.poller.Active, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(v.kinds()) == 3 }, 5*time.Second, 10*time.Millisecond)

	want := []event.Kind{event.KindAuthenticated, event.KindRecentSnapshot, event.KindMonitoringStarted}
	assert.Equal(t, want, v.kinds())
}

func TestCompleteAuthExchangeFailure(t *testing.T) {
	f := newFixture(t, &fakeAuth{credentials: true, exchangeErr: errors.New("invalid_grant")})
	err := f.svc.CompleteAuth(context.Background(), "bad")
	assert.ErrorContains(t, err, "invalid_grant")
	assert.Equal(t, poll.Idle, f.poller.State())
}
