package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/MahdiBaghbani/ldapmailsync/internal/account"
	"github.com/MahdiBaghbani/ldapmailsync/internal/directory"
	"github.com/MahdiBaghbani/ldapmailsync/internal/store"
)

// reconcilePresence converges the tracking row and the mailbox of one
// directory entry. The tracking row is written before the mailbox gateway is
// touched so that a mailbox failure never costs a present entity a strike.
// It returns the refreshed entity.
func (e *Engine) reconcilePresence(ctx context.Context, entry directory.Entry, epoch account.Epoch, rep *Report) (*account.Entity, error) {
	id := entry.Identifier()
	desired := entry.State()
	name := entry.DisplayName

	tracked, err := e.store.Get(ctx, id)
	created := false
	switch {
	case errors.Is(err, store.ErrNotFound):
		tracked = nil
		created = true
	case err != nil:
		return nil, fmt.Errorf("load tracking row: %w", err)
	}

	var next *account.Entity
	if created {
		next = account.NewEntity(id, name, desired, epoch)
	} else {
		next = tracked.Clone()
		if next.ActiveState != desired {
			e.logger.Info("active state changed", "identifier", id, "from", next.ActiveState.String(), "to", desired.String())
		}
		next.ActiveState = desired
		next.DisplayName = name
		next.InactivityStrikes = 0
		next.LastSeenEpoch = epoch
	}

	changed := false
	if created || !next.Equal(tracked) {
		if err := e.store.Upsert(ctx, next); err != nil {
			return nil, fmt.Errorf("save tracking row: %w", err)
		}
		if created {
			rep.add(&rep.Created, 1)
			e.logger.Info("tracking row created", "identifier", id, "active", desired.String())
		} else if tracked.ActiveState != desired || tracked.DisplayName != name || tracked.InactivityStrikes != 0 {
			changed = true
		}
	}

	mailboxChanged, err := e.reconcileMailbox(ctx, id, name, desired, rep)
	if err != nil {
		return nil, err
	}
	if !created && (changed || mailboxChanged) {
		rep.add(&rep.Updated, 1)
	}
	return next, nil
}

// reconcileMailbox creates the mailbox or pushes the state and name diffs.
func (e *Engine) reconcileMailbox(ctx context.Context, id, name string, desired account.ActiveState, rep *Report) (bool, error) {
	mb, err := e.mailboxes.Get(ctx, id)
	if errors.Is(err, account.ErrMailboxNotFound) {
		if _, err := e.mailboxes.Create(ctx, account.NewMailbox{
			Identifier:  id,
			DisplayName: name,
			ActiveState: desired,
			QuotaMiB:    e.cfg.MailboxQuotaMiB,
		}); err != nil {
			return false, fmt.Errorf("create mailbox: %w", err)
		}
		rep.add(&rep.MailboxesCreated, 1)
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read mailbox: %w", err)
	}

	var upd account.MailboxUpdate
	if mb.ActiveState != desired {
		state := desired
		upd.ActiveState = &state
	}
	if mb.DisplayName != name {
		n := name
		upd.DisplayName = &n
	}
	if upd.Empty() {
		return false, nil
	}
	if err := e.mailboxes.Update(ctx, id, upd); err != nil {
		return false, fmt.Errorf("update mailbox: %w", err)
	}
	e.logger.Info("mailbox updated", "identifier", id, "active_changed", upd.ActiveState != nil, "renamed", upd.DisplayName != nil)
	return true, nil
}
