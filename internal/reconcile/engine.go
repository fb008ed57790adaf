// Package reconcile converges the tracking store, the mailbox registry and the
// IMAP ACL service with one directory snapshot.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MahdiBaghbani/ldapmailsync/internal/account"
	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/logutil"
	"github.com/MahdiBaghbani/ldapmailsync/internal/store"
)

// MailboxGateway is the mail server's account surface.
type MailboxGateway interface {
	// Get returns account.ErrMailboxNotFound when the mailbox does not exist.
	Get(ctx context.Context, identifier string) (*account.Mailbox, error)
	Create(ctx context.Context, nm account.NewMailbox) (credential string, err error)
	Update(ctx context.Context, identifier string, upd account.MailboxUpdate) error
}

// ACLGateway is the IMAP folder access-control surface.
type ACLGateway interface {
	Apply(ctx context.Context, ops []account.ACLOperation) error
	Folders(ctx context.Context, owner string) ([]string, error)
}

// MemberResolver resolves a group DN to member identifiers.
type MemberResolver interface {
	Members(ctx context.Context, groupDN string) ([]string, error)
}

// Config holds the engine settings.
type Config struct {
	// InactiveThreshold is the number of consecutive absent cycles tolerated
	// before an entity is deactivated.
	InactiveThreshold int

	MailboxQuotaMiB int
	ACLBatchSize    int

	InboxFolder        string
	SentFolder         string
	SharedFolderPrefix string

	// Workers bounds the number of entries reconciled concurrently.
	Workers int

	// Epochs mints cycle epochs. Nil uses a wall-clock source.
	Epochs *EpochSource
}

func (c *Config) applyDefaults() {
	if c.ACLBatchSize <= 0 {
		c.ACLBatchSize = 25
	}
	if c.InboxFolder == "" {
		c.InboxFolder = "INBOX"
	}
	if c.SentFolder == "" {
		c.SentFolder = "Sent"
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.Epochs == nil {
		c.Epochs = NewEpochSource(nil)
	}
}

// Engine runs reconciliation cycles.
type Engine struct {
	store     store.EntityStore
	mailboxes MailboxGateway
	acl       ACLGateway
	members   MemberResolver
	cfg       Config
	logger    *slog.Logger
}

// New creates an Engine.
func New(st store.EntityStore, mailboxes MailboxGateway, acl ACLGateway, members MemberResolver, cfg Config, logger *slog.Logger) *Engine {
	logger = logutil.NoopIfNil(logger)
	cfg.applyDefaults()
	return &Engine{
		store:     st,
		mailboxes: mailboxes,
		acl:       acl,
		members:   members,
		cfg:       cfg,
		logger:    logger,
	}
}

// EpochSource mints strictly increasing epochs from a clock in milliseconds.
type EpochSource struct {
	mu   sync.Mutex
	now  func() time.Time
	last account.Epoch
}

// NewEpochSource creates a source. A nil clock uses time.Now.
func NewEpochSource(now func() time.Time) *EpochSource {
	if now == nil {
		now = time.Now
	}
	return &EpochSource{now: now}
}

// Next returns an epoch greater than every epoch returned or observed before.
func (s *EpochSource) Next() account.Epoch {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := account.Epoch(s.now().UnixMilli())
	if e <= s.last {
		e = s.last + 1
	}
	s.last = e
	return e
}

// Observe raises the floor so later epochs exceed e. Used to stay ahead of
// epochs persisted by an earlier process whose clock ran ahead.
func (s *EpochSource) Observe(e account.Epoch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e > s.last {
		s.last = e
	}
}
