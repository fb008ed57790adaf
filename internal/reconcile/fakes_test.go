package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MahdiBaghbani/ldapmailsync/internal/account"
	"github.com/MahdiBaghbani/ldapmailsync/internal/directory"
	"github.com/MahdiBaghbani/ldapmailsync/internal/store"
)

var errBoom = errors.New("boom")

type fakeStore struct {
	mu       sync.Mutex
	entities map[string]*account.Entity
	writes   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{entities: make(map[string]*account.Entity)}
}

func (s *fakeStore) Get(ctx context.Context, id string) (*account.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *fakeStore) Upsert(ctx context.Context, e *account.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.Identifier] = e.Clone()
	s.writes++
	return nil
}

func (s *fakeStore) ListStaleSince(ctx context.Context, epoch account.Epoch, excluding account.ActiveState) ([]*account.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*account.Entity
	for _, e := range s.entities {
		if e.LastSeenEpoch < epoch && e.ActiveState != excluding {
			out = append(out, e.Clone())
		}
	}
	store.SortEntities(out)
	return out, nil
}

func (s *fakeStore) List(ctx context.Context) ([]*account.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*account.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, e.Clone())
	}
	store.SortEntities(out)
	return out, nil
}

func (s *fakeStore) put(e *account.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[e.Identifier] = e.Clone()
}

func (s *fakeStore) get(t *testing.T, id string) *account.Entity {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		t.Fatalf("entity %s not tracked", id)
	}
	return e.Clone()
}

func (s *fakeStore) resetWrites() {
	s.mu.Lock()
	s.writes = 0
	s.mu.Unlock()
}

type mailboxUpdate struct {
	id  string
	upd account.MailboxUpdate
}

type fakeMailboxes struct {
	mu         sync.Mutex
	boxes      map[string]*account.Mailbox
	created    []account.NewMailbox
	updates    []mailboxUpdate
	failCreate map[string]bool
	failUpdate map[string]bool
}

func newFakeMailboxes() *fakeMailboxes {
	return &fakeMailboxes{
		boxes:      make(map[string]*account.Mailbox),
		failCreate: make(map[string]bool),
		failUpdate: make(map[string]bool),
	}
}

func (m *fakeMailboxes) Get(ctx context.Context, id string) (*account.Mailbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mb, ok := m.boxes[id]
	if !ok {
		return nil, account.ErrMailboxNotFound
	}
	c := *mb
	return &c, nil
}

func (m *fakeMailboxes) Create(ctx context.Context, nm account.NewMailbox) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate[nm.Identifier] {
		return "", errBoom
	}
	m.created = append(m.created, nm)
	m.boxes[nm.Identifier] = &account.Mailbox{
		Identifier:  nm.Identifier,
		DisplayName: nm.DisplayName,
		ActiveState: nm.ActiveState,
	}
	return "generated-credential", nil
}

func (m *fakeMailboxes) Update(ctx context.Context, id string, upd account.MailboxUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdate[id] {
		return errBoom
	}
	m.updates = append(m.updates, mailboxUpdate{id: id, upd: upd})
	mb, ok := m.boxes[id]
	if !ok {
		return account.ErrMailboxNotFound
	}
	if upd.ActiveState != nil {
		mb.ActiveState = *upd.ActiveState
	}
	if upd.DisplayName != nil {
		mb.DisplayName = *upd.DisplayName
	}
	if upd.SenderACL != nil {
		mb.SenderACL = append([]string(nil), upd.SenderACL...)
	}
	return nil
}

func (m *fakeMailboxes) put(mb account.Mailbox) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boxes[mb.Identifier] = &mb
}

func (m *fakeMailboxes) mutations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created) + len(m.updates)
}

func (m *fakeMailboxes) updatesFor(id string) []account.MailboxUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []account.MailboxUpdate
	for _, u := range m.updates {
		if u.id == id {
			out = append(out, u.upd)
		}
	}
	return out
}

func (m *fakeMailboxes) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = nil
	m.updates = nil
}

type fakeACL struct {
	mu      sync.Mutex
	folders map[string][]string
	batches [][]account.ACLOperation
	fail    error
}

func newFakeACL() *fakeACL {
	return &fakeACL{folders: make(map[string][]string)}
}

var defaultFolders = []string{"INBOX", "Sent", "Archive", "Shared/bob@x/INBOX"}

func (a *fakeACL) Apply(ctx context.Context, ops []account.ACLOperation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != nil {
		return a.fail
	}
	a.batches = append(a.batches, append([]account.ACLOperation(nil), ops...))
	return nil
}

func (a *fakeACL) Folders(ctx context.Context, owner string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f, ok := a.folders[owner]; ok {
		return f, nil
	}
	return defaultFolders, nil
}

func (a *fakeACL) ops() []account.ACLOperation {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []account.ACLOperation
	for _, b := range a.batches {
		out = append(out, b...)
	}
	return out
}

func (a *fakeACL) reset() {
	a.mu.Lock()
	a.batches = nil
	a.mu.Unlock()
}

type fakeResolver struct {
	mu     sync.Mutex
	groups map[string][]string
	fail   map[string]error
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{groups: make(map[string][]string), fail: make(map[string]error)}
}

func (r *fakeResolver) Members(ctx context.Context, dn string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[dn]; err != nil {
		return nil, err
	}
	return append([]string(nil), r.groups[dn]...), nil
}

func (r *fakeResolver) set(dn string, members ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[dn] = members
}

type harness struct {
	engine    *Engine
	store     *fakeStore
	mailboxes *fakeMailboxes
	acl       *fakeACL
	members   *fakeResolver
}

func newHarness(t *testing.T, threshold int) *harness {
	t.Helper()
	h := &harness{
		store:     newFakeStore(),
		mailboxes: newFakeMailboxes(),
		acl:       newFakeACL(),
		members:   newFakeResolver(),
	}
	clock := func() time.Time { return time.UnixMilli(1_000) }
	h.engine = New(h.store, h.mailboxes, h.acl, h.members, Config{
		InactiveThreshold:  threshold,
		MailboxQuotaMiB:    256,
		ACLBatchSize:       25,
		InboxFolder:        "INBOX",
		SentFolder:         "Sent",
		SharedFolderPrefix: "Shared/",
		Epochs:             NewEpochSource(clock),
	}, nil)
	return h
}

func (h *harness) run(t *testing.T, entries ...directory.Entry) *Report {
	t.Helper()
	rep, err := h.engine.RunCycle(context.Background(), entries)
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	return rep
}

const (
	uacNormal   uint32 = 0x0200
	uacDisabled uint32 = 0x0202
	uacLocked   uint32 = 0x0210
	uacBoth     uint32 = 0x0212
)

func user(mail, name string, uac uint32) directory.Entry {
	return directory.Entry{
		DN:             "CN=" + name + ",DC=x",
		Mail:           mail,
		DisplayName:    name,
		AccountControl: uac,
	}
}

func sortedOps(ops []account.ACLOperation) []account.ACLOperation {
	sort.Slice(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		if a.Verb != b.Verb {
			return a.Verb < b.Verb
		}
		if a.Principal != b.Principal {
			return a.Principal < b.Principal
		}
		return a.Folder < b.Folder
	})
	return ops
}
