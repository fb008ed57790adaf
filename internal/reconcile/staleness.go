package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/MahdiBaghbani/ldapmailsync/internal/account"
)

// sweepStale moves every enabled entity not refreshed at epoch one step along
// the staleness state machine.
func (e *Engine) sweepStale(ctx context.Context, epoch account.Epoch, rep *Report) error {
	stale, err := e.store.ListStaleSince(ctx, epoch, account.Disabled)
	if err != nil {
		return fmt.Errorf("list stale entities: %w", err)
	}
	for _, ent := range stale {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.strike(ctx, ent, rep); err != nil {
			ee := rep.fail(ent.Identifier, PhaseStaleness, err)
			e.logger.Error("staleness transition failed", "identifier", ent.Identifier, "error", ee.Err)
		}
	}
	return nil
}

func (e *Engine) strike(ctx context.Context, ent *account.Entity, rep *Report) error {
	if ent.InactivityStrikes+1 <= e.cfg.InactiveThreshold {
		ent.InactivityStrikes++
		if err := e.store.Upsert(ctx, ent); err != nil {
			return fmt.Errorf("save strikes: %w", err)
		}
		rep.add(&rep.StaleIncremented, 1)
		e.logger.Info("entity absent from directory",
			"identifier", ent.Identifier, "strikes", ent.InactivityStrikes, "threshold", e.cfg.InactiveThreshold)
		return nil
	}
	return e.deactivate(ctx, ent, rep)
}

// deactivate disables the mailbox, revokes every recorded folder grant and
// then records the entity as deactivated by staleness. The tracking row is
// written last so that a failed step is retried on the next cycle.
func (e *Engine) deactivate(ctx context.Context, ent *account.Entity, rep *Report) error {
	exists := true
	mb, err := e.mailboxes.Get(ctx, ent.Identifier)
	switch {
	case errors.Is(err, account.ErrMailboxNotFound):
		exists = false
	case err != nil:
		return fmt.Errorf("read mailbox: %w", err)
	case mb.ActiveState != account.Disabled:
		state := account.Disabled
		if err := e.mailboxes.Update(ctx, ent.Identifier, account.MailboxUpdate{ActiveState: &state}); err != nil {
			return fmt.Errorf("deactivate mailbox: %w", err)
		}
	}

	if exists {
		old := make(map[account.PermissionClass]account.Principals, len(account.PermissionClasses))
		none := make(map[account.PermissionClass]account.Principals, len(account.PermissionClasses))
		grantees := account.NewPrincipals()
		revoked := 0
		for _, class := range account.PermissionClasses {
			old[class] = ent.Permission(class).Without(ent.Identifier)
			for p := range old[class] {
				grantees.Add(p)
			}
			revoked += old[class].Len()
		}
		if grantees.Len() > 0 {
			ops, err := e.planACL(ctx, &folderSet{owner: ent.Identifier}, old, none, grantees)
			if err != nil {
				return err
			}
			if err := e.applyBatched(ctx, ops); err != nil {
				return fmt.Errorf("revoke grants: %w", err)
			}
			rep.add(&rep.Revoked, revoked)
		}
	}

	for _, class := range account.PermissionClasses {
		ent.SetPermission(class, account.NewPrincipals())
	}
	ent.ActiveState = account.Disabled
	ent.InactivityStrikes = account.StrikesDeactivated
	if err := e.store.Upsert(ctx, ent); err != nil {
		return fmt.Errorf("save deactivation: %w", err)
	}
	rep.add(&rep.Deactivated, 1)
	e.logger.Warn("entity deactivated after inactivity",
		"identifier", ent.Identifier, "threshold", e.cfg.InactiveThreshold, "mailbox_exists", exists)
	return nil
}
