package imapserver

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend"
	"github.com/freeflowuniverse/heromail/pkg/indexer"
	"github.com/freeflowuniverse/heromail/pkg/mailstore"
	"github.com/freeflowuniverse/heromail/pkg/store"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Delimiter is the mailbox hierarchy separator.
const Delimiter = "/"

// Backend implements the go-imap backend interface on top of the mail store
type Backend struct {
	handler    *mailstore.Handler
	logger     log.Logger
	structOpts indexer.Options
	updates    chan backend.Update

	streamThreshold int64

	mu    sync.Mutex
	views map[string]*view
}

var (
	_ backend.Backend        = (*Backend)(nil)
	_ backend.BackendUpdater = (*Backend)(nil)
)

// NewBackend creates a new IMAP backend. upperCaseKeys selects upper-case
// MIME types and parameter names in BODYSTRUCTURE responses.
func NewBackend(handler *mailstore.Handler, logger log.Logger, upperCaseKeys bool) *Backend {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	opts := indexer.Options{
		UpperCaseKeys:               upperCaseKeys,
		OpaqueMessagesAsOctetStream: true,
	}
	return &Backend{
		handler:    handler,
		logger:     log.With(logger, "component", "imapserver"),
		structOpts: opts,
		updates:    make(chan backend.Update),
		views:      make(map[string]*view),

		streamThreshold: DefaultStreamThreshold,
	}
}

// Updates implements backend.BackendUpdater.
func (b *Backend) Updates() <-chan backend.Update {
	return b.updates
}

// push hands an update to the server and waits until every connection
// took it.
func (b *Backend) push(u backend.Update) bool {
	timer := time.NewTimer(updateTimeout)
	defer timer.Stop()
	select {
	case b.updates <- u:
	case <-timer.C:
		return false
	}
	select {
	case <-u.Done():
		return true
	case <-timer.C:
		return false
	}
}

// Login authenticates a user. In this implementation, we accept any username/password
func (b *Backend) Login(_ *imap.ConnInfo, username, password string) (backend.User, error) {
	level.Info(b.logger).Log("msg", "login", "user", username)
	if _, err := b.handler.EnsureMailbox(context.Background(), username, "INBOX"); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &User{
		backend:  b,
		username: username,
		views:    make(map[string]*view),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// acquire returns the shared view of a mailbox, loading it on first use.
func (b *Backend) acquire(ctx context.Context, user, name string) (*view, error) {
	key := viewKey(user, name)

	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.views[key]; ok {
		v.refs++
		return v, nil
	}
	v := newView(b, key, user, name)
	if err := v.load(ctx); err != nil {
		return nil, err
	}
	v.refs = 1
	b.views[key] = v
	go v.run()
	return v, nil
}

func (b *Backend) release(v *view) {
	b.mu.Lock()
	v.refs--
	last := v.refs == 0
	if last {
		delete(b.views, v.id)
	}
	b.mu.Unlock()
	if last {
		v.close()
	}
}

// syncOpen brings the view of a mailbox up to date if some session has it
// open.
func (b *Backend) syncOpen(ctx context.Context, user, name string) {
	b.mu.Lock()
	v, ok := b.views[viewKey(user, name)]
	b.mu.Unlock()
	if !ok {
		return
	}
	if err := v.sync(ctx); err != nil {
		level.Warn(b.logger).Log("msg", "mailbox sync failed", "user", user, "mailbox", name, "err", err)
	}
}

// User represents a user connected to the IMAP server
type User struct {
	backend  *Backend
	username string

	// ctx ends with the session and stops section streams still in flight.
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	views map[string]*view
}

// Username returns the user's username
func (u *User) Username() string {
	return u.username
}

// ListMailboxes returns a list of mailboxes available for this user
func (u *User) ListMailboxes(subscribed bool) ([]backend.Mailbox, error) {
	list, err := u.backend.handler.Mailboxes(context.Background(), u.username)
	if err != nil {
		return nil, err
	}
	mailboxes := make([]backend.Mailbox, 0, len(list))
	for _, mb := range list {
		if subscribed && !mb.Subscribed {
			continue
		}
		mailboxes = append(mailboxes, &Mailbox{user: u, name: mb.Path, children: hasChildren(list, mb.Path)})
	}
	return mailboxes, nil
}

// GetMailbox returns a mailbox by name
func (u *User) GetMailbox(name string) (backend.Mailbox, error) {
	name = canonicalName(name)
	if _, err := u.backend.handler.Mailbox(context.Background(), u.username, name); err != nil {
		return nil, mapError(err)
	}
	return &Mailbox{user: u, name: name}, nil
}

// CreateMailbox creates a new mailbox
func (u *User) CreateMailbox(name string) error {
	name = strings.TrimSuffix(canonicalName(name), Delimiter)
	ctx := context.Background()

	// Superior names are created on the way.
	parts := strings.Split(name, Delimiter)
	for i := 1; i < len(parts); i++ {
		if _, err := u.backend.handler.EnsureMailbox(ctx, u.username, strings.Join(parts[:i], Delimiter)); err != nil {
			return err
		}
	}
	_, err := u.backend.handler.CreateMailbox(ctx, u.username, name)
	return mapError(err)
}

// DeleteMailbox deletes a mailbox
func (u *User) DeleteMailbox(name string) error {
	name = canonicalName(name)
	if name == "INBOX" {
		return errors.New("cannot delete INBOX")
	}
	return mapError(u.backend.handler.DeleteMailbox(context.Background(), u.username, name))
}

// RenameMailbox renames a mailbox
func (u *User) RenameMailbox(existingName, newName string) error {
	ctx := context.Background()
	existingName, newName = canonicalName(existingName), canonicalName(newName)

	list, err := u.backend.handler.Mailboxes(ctx, u.username)
	if err != nil {
		return err
	}
	if err := u.backend.handler.RenameMailbox(ctx, u.username, existingName, newName); err != nil {
		return mapError(err)
	}
	if existingName == "INBOX" {
		_, err := u.backend.handler.EnsureMailbox(ctx, u.username, "INBOX")
		return err
	}
	// Inferior names move along.
	prefix := existingName + Delimiter
	for _, mb := range list {
		if strings.HasPrefix(mb.Path, prefix) {
			target := newName + Delimiter + strings.TrimPrefix(mb.Path, prefix)
			if err := u.backend.handler.RenameMailbox(ctx, u.username, mb.Path, target); err != nil {
				return mapError(err)
			}
		}
	}
	return nil
}

// Logout is called when a user logs out
func (u *User) Logout() error {
	u.cancel()
	u.mu.Lock()
	views := u.views
	u.views = make(map[string]*view)
	u.mu.Unlock()

	for _, v := range views {
		u.backend.release(v)
	}
	level.Debug(u.backend.logger).Log("msg", "logout", "user", u.username)
	return nil
}

// view returns the shared view of a mailbox, held until logout.
func (u *User) view(ctx context.Context, name string) (*view, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if v, ok := u.views[name]; ok {
		return v, nil
	}
	v, err := u.backend.acquire(ctx, u.username, name)
	if err != nil {
		return nil, err
	}
	u.views[name] = v
	return v, nil
}

// canonicalName upper-cases INBOX, which is case-insensitive.
func canonicalName(name string) string {
	if strings.EqualFold(name, "INBOX") {
		return "INBOX"
	}
	if len(name) > 5 && strings.EqualFold(name[:6], "INBOX"+Delimiter) {
		return "INBOX" + name[5:]
	}
	return name
}

func hasChildren(list []*store.Mailbox, path string) bool {
	prefix := path + Delimiter
	for _, mb := range list {
		if strings.HasPrefix(mb.Path, prefix) {
			return true
		}
	}
	return false
}

func mapError(err error) error {
	switch {
	case errors.Is(err, store.ErrNoSuchMailbox):
		return backend.ErrNoSuchMailbox
	case errors.Is(err, store.ErrMailboxExists):
		return backend.ErrMailboxAlreadyExists
	}
	return err
}
