package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/MahdiBaghbani/ldapmailsync/internal/account"
	"github.com/MahdiBaghbani/ldapmailsync/internal/directory"
)

// sendOnBehalf accumulates, for one cycle, the grantors each member may send
// as. Grantors whose scan failed are remembered so their committed grants
// survive the commit.
type sendOnBehalf struct {
	mu         sync.Mutex
	pending    map[string]account.Principals
	unresolved account.Principals
}

func newSendOnBehalf() *sendOnBehalf {
	return &sendOnBehalf{
		pending:    make(map[string]account.Principals),
		unresolved: account.NewPrincipals(),
	}
}

func (s *sendOnBehalf) add(member, grantor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[member]
	if !ok {
		p = account.NewPrincipals()
		s.pending[member] = p
	}
	p.Add(grantor)
}

func (s *sendOnBehalf) markUnresolved(grantor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unresolved.Add(grantor)
}

// pendingFor returns the pending set of member, carrying over committed grants
// from unresolved grantors.
func (s *sendOnBehalf) pendingFor(member string, committed account.Principals) account.Principals {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending[member].Clone()
	for g := range committed {
		if s.unresolved.Has(g) {
			out.Add(g)
		}
	}
	return out
}

// scanSendOnBehalf adds the grantor to the pending set of every member of its
// send-on-behalf groups. A member never gets itself.
func (e *Engine) scanSendOnBehalf(ctx context.Context, entry directory.Entry, grantor string, acc *sendOnBehalf) error {
	if len(entry.MailPermSOB) == 0 {
		return nil
	}
	var members []string
	for _, dn := range entry.MailPermSOB {
		ids, err := e.members.Members(ctx, dn)
		if err != nil {
			acc.markUnresolved(grantor)
			return fmt.Errorf("resolve send-on-behalf group %s: %w", dn, err)
		}
		members = append(members, ids...)
	}
	for _, m := range members {
		if m != grantor {
			acc.add(m, grantor)
		}
	}
	return nil
}

// commitSendOnBehalf pushes a full-replace sender ACL for every tracked entity
// whose pending set differs from the committed one, then resets pending. It
// returns the number of tracked entities.
func (e *Engine) commitSendOnBehalf(ctx context.Context, acc *sendOnBehalf, rep *Report) (int, error) {
	entities, err := e.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tracked entities: %w", err)
	}

	for _, ent := range entities {
		if err := ctx.Err(); err != nil {
			return len(entities), err
		}
		ent.SendOnBehalfPending = acc.pendingFor(ent.Identifier, ent.SendOnBehalfCommitted)
		if !ent.SendOnBehalfDirty() {
			continue
		}

		senders := ent.SendOnBehalfPending.Sorted()
		if err := e.mailboxes.Update(ctx, ent.Identifier, account.MailboxUpdate{SenderACL: senders}); err != nil {
			ee := rep.fail(ent.Identifier, PhaseSendOnBehalfCommit, fmt.Errorf("push sender acl: %w", err))
			e.logger.Error("send-on-behalf commit failed", "identifier", ent.Identifier, "error", ee.Err)
			continue
		}
		ent.SendOnBehalfCommitted = ent.SendOnBehalfPending
		ent.SendOnBehalfPending = account.NewPrincipals()
		if err := e.store.Upsert(ctx, ent); err != nil {
			ee := rep.fail(ent.Identifier, PhaseSendOnBehalfCommit, fmt.Errorf("save committed senders: %w", err))
			e.logger.Error("send-on-behalf commit failed", "identifier", ent.Identifier, "error", ee.Err)
			continue
		}
		rep.add(&rep.SendOnBehalfCommitted, 1)
		e.logger.Info("send-on-behalf committed", "identifier", ent.Identifier, "senders", senders)
	}
	return len(entities), nil
}
