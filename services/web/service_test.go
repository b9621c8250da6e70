package web

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regserv/pkg/proc"
	"regserv/pkg/render"
	"regserv/services/directory"
	"regserv/services/lounge"
	"regserv/services/mailer"
	"regserv/services/registry"
	"regserv/services/snapshot"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []mailer.Message
	err  error
}

func (m *fakeMailer) Send(_ context.Context, msg mailer.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

var linkPattern = regexp.MustCompile(`https://regserv\.test/([0-9a-f]{64})`)

func (m *fakeMailer) lastToken(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent, "no mail sent")
	match := linkPattern.FindStringSubmatch(m.sent[len(m.sent)-1].Body)
	require.Len(t, match, 2, "mail has no registration link")
	return match[1]
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type stubDirectory struct {
	mu      sync.Mutex
	err     error
	calls   []string
	entered chan struct{}
	release chan struct{}
}

func (d *stubDirectory) Register(ctx context.Context, nickname, password string) error {
	d.mu.Lock()
	d.calls = append(d.calls, nickname+":"+password)
	err := d.err
	entered, release := d.entered, d.release
	d.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (d *stubDirectory) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// provisionerFunc adapts a function to Provisioner.
type provisionerFunc func(ctx context.Context, nickname, password string) error

func (f provisionerFunc) Register(ctx context.Context, nickname, password string) error {
	return f(ctx, nickname, password)
}

type fakeAccounts struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (a *fakeAccounts) Provision(_ context.Context, nickname, _ string) (lounge.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, nickname)
	if a.err != nil {
		return lounge.Failed, a.err
	}
	return lounge.Created, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	events   []Event
}

func (p *fakePublisher) Publish(_ context.Context, subject string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	if ev, ok := v.(Event); ok {
		p.events = append(p.events, ev)
	}
	return nil
}

type flakyStore struct {
	registry.Store
	mu   sync.Mutex
	fail error
}

func (f *flakyStore) Checkpoint(ctx context.Context, state registry.State) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail != nil {
		return fail
	}
	return f.Store.Checkpoint(ctx, state)
}

func (f *flakyStore) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = err
}

type env struct {
	svc      *Service
	reg      *registry.Registry
	clock    *fakeClock
	mail     *fakeMailer
	accounts *fakeAccounts
	events   *fakePublisher
	store    *flakyStore
	file     *snapshot.FileStore
}

func newEnv(t *testing.T, dir Provisioner) *env {
	t.Helper()
	file, err := snapshot.NewFileStore(filepath.Join(t.TempDir(), "RegServ.json"))
	require.NoError(t, err)
	store := &flakyStore{Store: file}
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}

	reg, err := registry.New(store, registry.Config{TTL: time.Hour, Now: clock.Now, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, reg.Load(context.Background()))

	e := &env{
		reg:      reg,
		clock:    clock,
		mail:     &fakeMailer{},
		accounts: &fakeAccounts{},
		events:   &fakePublisher{},
		store:    store,
		file:     file,
	}
	e.svc, err = New(Config{
		Registry:  reg,
		Directory: dir,
		Accounts:  e.accounts,
		Mailer:    e.mail,
		Events:    e.events,
		BaseURL:   "https://regserv.test/",
		Network:   "chat.test",
		ChatURL:   "https://chat.test",
		Now:       clock.Now,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	return e
}

func (e *env) issue(t *testing.T, email string) string {
	t.Helper()
	out := e.svc.RequestLink(context.Background(), email)
	require.Equal(t, http.StatusOK, out.Status, out.View.Summary)
	return e.mail.lastToken(t)
}

// ircServer plays the directory side of the conversation for every connection it accepts.
func ircServer(t *testing.T, confirmPassword bool) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				write := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }
				scanner := bufio.NewScanner(conn)
				for scanner.Scan() {
					line := scanner.Text()
					switch {
					case strings.HasPrefix(line, "NICK "):
						write(":irc.test 376 OP :End of /MOTD command.")
					case strings.HasPrefix(line, "PRIVMSG NickServ :IDENTIFY "):
						write(":NickServ!NickServ@services NOTICE OP :You are now logged in as OP.")
					case strings.HasPrefix(line, "OPER "):
						write(":irc.test 381 OP :You are now an IRC operator")
					case strings.HasPrefix(line, "PRIVMSG NickServ :SAREGISTER "):
						nick := strings.Fields(line)[2]
						write(":NickServ NOTICE OP :Successfully registered account " + nick)
					case strings.HasPrefix(line, "PRIVMSG NickServ :PASSWD "):
						if !confirmPassword {
							return
						}
						write(":NickServ NOTICE OP :Password changed")
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func ircClient(t *testing.T, addr string) *directory.Client {
	t.Helper()
	c, err := directory.New(directory.Config{
		Addr:             addr,
		Operator:         "OP",
		OperatorPassword: "op-secret",
		StageTimeout:     2 * time.Second,
		Logger:           zerolog.Nop(),
	})
	require.NoError(t, err)
	return c
}

func TestLinkRateLimitScenario(t *testing.T) {
	e := newEnv(t, &stubDirectory{})
	ctx := context.Background()

	t1 := e.issue(t, "a@x.com")
	assert.Equal(t, []string{linkSentTopic}, e.events.subjects)

	again := e.svc.RequestLink(ctx, "a@x.com")
	assert.Equal(t, http.StatusTooManyRequests, again.Status)
	assert.Equal(t, "Already Sent Registration Link", again.View.Summary)
	assert.ErrorIs(t, again.Err, registry.ErrRateLimited)
	assert.Equal(t, 1, e.mail.count())

	e.clock.Advance(time.Hour)
	t2 := e.issue(t, "a@x.com")
	assert.NotEqual(t, t1, t2)

	expired := e.svc.Show(ctx, t1)
	assert.Equal(t, render.PageError, expired.Page)
	assert.Equal(t, http.StatusGone, expired.Status)
	assert.Equal(t, "Expired Registration Link", expired.View.Summary)

	gone := e.svc.Show(ctx, t1)
	assert.Equal(t, http.StatusNotFound, gone.Status)
	assert.Equal(t, "Invalid Registration Link", gone.View.Summary)

	valid := e.svc.Show(ctx, t2)
	assert.Equal(t, render.PageRegister, valid.Page)
	assert.Equal(t, "a@x.com", valid.View.Email)
}

func TestRegisterScenarioSucceeds(t *testing.T) {
	e := newEnv(t, ircClient(t, ircServer(t, true)))
	ctx := context.Background()

	e.issue(t, "a@x.com")
	e.clock.Advance(time.Hour)
	t2 := e.issue(t, "a@x.com")

	out := e.svc.Register(ctx, t2, "carol", "p1")
	require.Equal(t, http.StatusOK, out.Status, out.View.Summary)
	assert.Equal(t, render.PageSuccess, out.Page)
	assert.Equal(t, "Account Registered or Updated", out.View.Summary)
	assert.Equal(t, "carol", out.View.Nickname)

	_, err := e.reg.Lookup(ctx, t2)
	assert.ErrorIs(t, err, registry.ErrNotFound)

	id, ok := e.reg.Identity("a@x.com")
	require.True(t, ok)
	assert.Equal(t, []string{"carol"}, id.Nicknames)
	assert.True(t, id.LastIssuedAt.IsZero())
	assert.Equal(t, []string{"carol"}, e.accounts.calls)
	assert.Contains(t, e.events.subjects, accountProvisionedTopic)

	persisted, err := e.file.Load(ctx)
	require.NoError(t, err)
	assert.NotContains(t, persisted.Tokens, t2)
	assert.Equal(t, []string{"carol"}, persisted.Identities["a@x.com"].Nicknames)
	assert.True(t, persisted.Identities["a@x.com"].LastIssuedAt.IsZero())

	// The cleared rate limit lets the same address ask for another link at once.
	e.issue(t, "a@x.com")
}

func TestRegisterScenarioWithoutPasswordConfirmation(t *testing.T) {
	e := newEnv(t, ircClient(t, ircServer(t, false)))
	ctx := context.Background()

	t2 := e.issue(t, "a@x.com")

	out := e.svc.Register(ctx, t2, "carol", "p1")
	assert.Equal(t, http.StatusBadGateway, out.Status)
	assert.Equal(t, "Unable to Register or Update IRC Account", out.View.Summary)
	var stageErr *directory.StageError
	require.ErrorAs(t, out.Err, &stageErr)
	assert.Equal(t, directory.StageRegister, stageErr.Stage)
	assert.Equal(t, 4, stageErr.Code())

	tok, err := e.reg.Lookup(ctx, t2)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", tok.Email)

	id, _ := e.reg.Identity("a@x.com")
	assert.Empty(t, id.Nicknames)
	assert.Empty(t, e.accounts.calls)
	assert.Contains(t, e.events.subjects, accountFailedTopic)
}

func TestRequestLinkValidation(t *testing.T) {
	e := newEnv(t, &stubDirectory{})

	for _, email := range []string{"", "   ", "not-an-email", "a@", "-t@a.com", "--logfile=/tmp/pwn@a.com"} {
		out := e.svc.RequestLink(context.Background(), email)
		assert.Equal(t, http.StatusBadRequest, out.Status, email)
		assert.Equal(t, "Invalid Registration Email", out.View.Summary, email)
	}
	assert.Zero(t, e.mail.count())
	assert.Empty(t, e.reg.Snapshot().Identities)
}

func TestRequestLinkMailFailureRollsBack(t *testing.T) {
	e := newEnv(t, &stubDirectory{})
	ctx := context.Background()
	e.mail.err = &proc.Error{Name: "msmtp", Output: "msmtp: cannot connect to smtp.test", Err: errors.New("exit status 69")}

	out := e.svc.RequestLink(ctx, "a@x.com")
	assert.Equal(t, http.StatusBadGateway, out.Status)
	assert.Equal(t, "Unable to Send Registration Link", out.View.Summary)
	assert.Equal(t, "a@x.com", out.View.Email)
	assert.Contains(t, out.View.Detail, "cannot connect")
	assert.ErrorIs(t, out.Err, ErrCollaborator)
	assert.Empty(t, e.reg.Snapshot().Tokens)

	e.mail.err = nil
	e.issue(t, "a@x.com")
}

func TestRequestLinkStoreFailure(t *testing.T) {
	e := newEnv(t, &stubDirectory{})
	e.store.setFail(errors.New("disk full"))

	out := e.svc.RequestLink(context.Background(), "a@x.com")
	assert.Equal(t, http.StatusInternalServerError, out.Status)
	assert.ErrorIs(t, out.Err, ErrCollaborator)
	assert.ErrorIs(t, out.Err, registry.ErrPersist)
	assert.Zero(t, e.mail.count())
}

func TestShow(t *testing.T) {
	e := newEnv(t, &stubDirectory{})
	ctx := context.Background()

	landing := e.svc.Show(ctx, "")
	assert.Equal(t, render.PageIndex, landing.Page)
	assert.Equal(t, http.StatusOK, landing.Status)

	malformed := e.svc.Show(ctx, "not-a-token")
	assert.Equal(t, http.StatusBadRequest, malformed.Status)
	assert.Equal(t, "Malformed Registration Link", malformed.View.Summary)

	unknown := e.svc.Show(ctx, strings.Repeat("0", 64))
	assert.Equal(t, http.StatusNotFound, unknown.Status)
	assert.Equal(t, "Invalid Registration Link", unknown.View.Summary)

	tok := e.issue(t, "a@x.com")
	require.NoError(t, e.reg.AddClaim(ctx, "a@x.com", "Alice"))
	show := e.svc.Show(ctx, tok)
	assert.Equal(t, render.PageRegister, show.Page)
	assert.Equal(t, tok, show.View.Token)
	assert.Equal(t, []string{"alice"}, show.View.Nicknames)
	assert.Equal(t, "chat.test", show.View.Network)
}

func TestRegisterRejectsNicknameClaimedElsewhere(t *testing.T) {
	dir := &stubDirectory{}
	e := newEnv(t, dir)
	ctx := context.Background()

	ta := e.issue(t, "a@x.com")
	require.Equal(t, http.StatusOK, e.svc.Register(ctx, ta, "alice", "pw").Status)

	tb := e.issue(t, "b@x.com")
	for _, nick := range []string{"Alice", "ALICE", "alice"} {
		out := e.svc.Register(ctx, tb, nick, "pw")
		assert.Equal(t, http.StatusConflict, out.Status, nick)
		assert.Equal(t, "Claimed Account", out.View.Summary, nick)
		assert.ErrorIs(t, out.Err, registry.ErrClaimed)
	}
	assert.Equal(t, 1, dir.callCount())

	_, err := e.reg.Lookup(ctx, tb)
	assert.NoError(t, err, "a rejected claim keeps the token")

	ta2 := e.issue(t, "a@x.com")
	assert.Equal(t, http.StatusOK, e.svc.Register(ctx, ta2, "ALICE", "pw2").Status, "owner may update")
}

func TestRegisterInputValidation(t *testing.T) {
	dir := &stubDirectory{}
	e := newEnv(t, dir)
	ctx := context.Background()
	tok := e.issue(t, "a@x.com")

	tests := []struct {
		name     string
		nickname string
		password string
		summary  string
	}{
		{"missing password", "carol", "", "Invalid Registration Password"},
		{"password with space", "carol", "two words", "Invalid Registration Password"},
		{"missing nickname", "", "pw", "Invalid Nickname"},
		{"leading digit", "1carol", "pw", "Invalid Nickname"},
		{"too long", strings.Repeat("c", 31), "pw", "Invalid Nickname"},
		{"space in nickname", "ca rol", "pw", "Invalid Nickname"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := e.svc.Register(ctx, tok, tt.nickname, tt.password)
			assert.Equal(t, http.StatusBadRequest, out.Status)
			assert.Equal(t, tt.summary, out.View.Summary)
		})
	}
	assert.Zero(t, dir.callCount())

	_, err := e.reg.Lookup(ctx, tok)
	assert.NoError(t, err)
}

func TestRegisterTokenFailures(t *testing.T) {
	dir := &stubDirectory{}
	e := newEnv(t, dir)
	ctx := context.Background()

	out := e.svc.Register(ctx, strings.Repeat("a", 64), "carol", "pw")
	assert.Equal(t, http.StatusNotFound, out.Status)

	tok := e.issue(t, "a@x.com")
	e.clock.Advance(time.Hour)
	out = e.svc.Register(ctx, tok, "carol", "pw")
	assert.Equal(t, http.StatusGone, out.Status)
	assert.Equal(t, "Expired Registration Link", out.View.Summary)
	assert.NotContains(t, e.reg.Snapshot().Tokens, tok)
	assert.Zero(t, dir.callCount())
}

func TestRegisterLoungeFailureKeepsToken(t *testing.T) {
	dir := &stubDirectory{}
	e := newEnv(t, dir)
	ctx := context.Background()
	e.accounts.err = &proc.Error{Name: "docker", Output: "Error: No such container: thelounge", Err: errors.New("exit status 1")}

	tok := e.issue(t, "a@x.com")
	out := e.svc.Register(ctx, tok, "carol", "pw")
	assert.Equal(t, http.StatusBadGateway, out.Status)
	assert.Equal(t, "Unable to Register or Update Lounge Account", out.View.Summary)
	assert.Contains(t, out.View.Detail, "No such container")
	assert.ErrorIs(t, out.Err, ErrCollaborator)
	assert.Equal(t, 1, dir.callCount())

	_, err := e.reg.Lookup(ctx, tok)
	assert.NoError(t, err)

	e.accounts.err = nil
	assert.Equal(t, http.StatusOK, e.svc.Register(ctx, tok, "carol", "pw").Status)
}

func TestRegisterCheckpointFailure(t *testing.T) {
	e := newEnv(t, &stubDirectory{})
	ctx := context.Background()
	tok := e.issue(t, "a@x.com")

	e.store.setFail(errors.New("read-only file system"))
	out := e.svc.Register(ctx, tok, "carol", "pw")
	assert.Equal(t, http.StatusInternalServerError, out.Status)
	assert.ErrorIs(t, out.Err, ErrCollaborator)
	assert.ErrorIs(t, out.Err, registry.ErrPersist)

	id, _ := e.reg.Identity("a@x.com")
	assert.Empty(t, id.Nicknames)

	e.store.setFail(nil)
	assert.Equal(t, http.StatusOK, e.svc.Register(ctx, tok, "carol", "pw").Status)
}

func TestRegisterRecordsClaimAfterClientLeaves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newEnv(t, provisionerFunc(func(context.Context, string, string) error {
		// The client disconnects once the directory has confirmed the account.
		cancel()
		return nil
	}))
	tok := e.issue(t, "a@x.com")

	out := e.svc.Register(ctx, tok, "carol", "pw")
	require.Equal(t, http.StatusOK, out.Status, out.View.Summary)

	id, ok := e.reg.Identity("a@x.com")
	require.True(t, ok)
	assert.Equal(t, []string{"carol"}, id.Nicknames)

	persisted, err := e.file.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, persisted.Identities["a@x.com"].Nicknames)
	assert.NotContains(t, persisted.Tokens, tok)

	other := e.issue(t, "b@x.com")
	assert.Equal(t, http.StatusConflict, e.svc.Register(context.Background(), other, "carol", "pw").Status)
}

func TestRegisterSameTokenConcurrently(t *testing.T) {
	dir := &stubDirectory{entered: make(chan struct{}, 1), release: make(chan struct{})}
	e := newEnv(t, dir)
	ctx := context.Background()
	tok := e.issue(t, "a@x.com")

	first := make(chan Outcome, 1)
	go func() { first <- e.svc.Register(ctx, tok, "carol", "pw") }()

	select {
	case <-dir.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first registration never reached the directory")
	}

	second := e.svc.Register(ctx, tok, "carol", "pw")
	assert.Equal(t, http.StatusConflict, second.Status)
	assert.ErrorIs(t, second.Err, registry.ErrInProgress)

	close(dir.release)
	select {
	case out := <-first:
		assert.Equal(t, http.StatusOK, out.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("first registration did not finish")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	e := newEnv(t, &stubDirectory{})

	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Registry: e.reg, Directory: &stubDirectory{}, Mailer: &fakeMailer{}})
	assert.Error(t, err, "base url is required")
}
