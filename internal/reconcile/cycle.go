package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/MahdiBaghbani/ldapmailsync/internal/account"
	"github.com/MahdiBaghbani/ldapmailsync/internal/directory"
)

// Prime raises the epoch floor above every epoch already in the store.
func (e *Engine) Prime(ctx context.Context) error {
	entities, err := e.store.List(ctx)
	if err != nil {
		return err
	}
	for _, ent := range entities {
		e.cfg.Epochs.Observe(ent.LastSeenEpoch)
	}
	return nil
}

// RunCycle reconciles one snapshot. Per-entity failures are logged and
// recorded in the report; the returned error is set only when the cycle could
// not complete (context cancelled or the store could not be listed).
func (e *Engine) RunCycle(ctx context.Context, snapshot []directory.Entry) (*Report, error) {
	epoch := e.cfg.Epochs.Next()
	rep := newReport(epoch, time.Now())
	logger := e.logger.With("run_id", rep.RunID, "epoch", int64(epoch))
	logger.Info("cycle started", "entries", len(snapshot), "workers", e.cfg.Workers)

	entries := e.usableEntries(snapshot, rep)
	rep.Entries = len(entries)

	acc := newSendOnBehalf()
	sem := make(chan struct{}, e.cfg.Workers)
	var wg sync.WaitGroup
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(entry directory.Entry) {
			defer wg.Done()
			defer func() { <-sem }()
			e.reconcileEntry(ctx, entry, epoch, acc, rep)
		}(entry)
	}
	wg.Wait()

	finish := func(err error) (*Report, error) {
		rep.FinishedAt = time.Now()
		if err != nil {
			logger.Error("cycle aborted", "error", err, "errors", len(rep.Errors))
			return rep, err
		}
		logger.Info("cycle finished",
			"duration", rep.Duration(),
			"created", rep.Created,
			"mailboxes_created", rep.MailboxesCreated,
			"updated", rep.Updated,
			"deactivated", rep.Deactivated,
			"stale_incremented", rep.StaleIncremented,
			"granted", rep.Granted,
			"revoked", rep.Revoked,
			"send_on_behalf_committed", rep.SendOnBehalfCommitted,
			"errors", len(rep.Errors))
		return rep, nil
	}

	if err := ctx.Err(); err != nil {
		return finish(err)
	}
	if err := e.sweepStale(ctx, epoch, rep); err != nil {
		return finish(err)
	}
	tracked, err := e.commitSendOnBehalf(ctx, acc, rep)
	rep.Tracked = tracked
	return finish(err)
}

// usableEntries drops entries without an identifier and repeated identifiers
// so that no two workers touch the same entity.
func (e *Engine) usableEntries(snapshot []directory.Entry, rep *Report) []directory.Entry {
	out := make([]directory.Entry, 0, len(snapshot))
	seen := make(map[string]bool, len(snapshot))
	for _, entry := range snapshot {
		id := entry.Identifier()
		if id == "" {
			e.logger.Debug("directory entry without mail skipped", "dn", entry.DN)
			rep.Skipped++
			continue
		}
		if seen[id] {
			e.logger.Warn("duplicate directory entry skipped", "identifier", id, "dn", entry.DN)
			rep.Skipped++
			continue
		}
		seen[id] = true
		out = append(out, entry)
	}
	return out
}

// reconcileEntry runs the per-entry phases. A failing phase skips the entity
// for the rest of the cycle; its send-on-behalf grants are then carried over.
func (e *Engine) reconcileEntry(ctx context.Context, entry directory.Entry, epoch account.Epoch, acc *sendOnBehalf, rep *Report) {
	id := entry.Identifier()

	entity, err := e.reconcilePresence(ctx, entry, epoch, rep)
	if err != nil {
		if len(entry.MailPermSOB) > 0 {
			acc.markUnresolved(id)
		}
		ee := rep.fail(id, PhasePresence, err)
		e.logger.Error("presence reconciliation failed", "identifier", id, "phase", string(ee.Phase), "error", err)
		return
	}

	if err := e.reconcilePermissions(ctx, entry, entity, rep); err != nil {
		if len(entry.MailPermSOB) > 0 {
			acc.markUnresolved(id)
		}
		ee := rep.fail(id, PhasePermissions, err)
		e.logger.Error("permission reconciliation failed", "identifier", id, "phase", string(ee.Phase), "error", err)
		return
	}

	if err := e.scanSendOnBehalf(ctx, entry, id, acc); err != nil {
		ee := rep.fail(id, PhaseSendOnBehalfScan, err)
		e.logger.Error("send-on-behalf scan failed", "identifier", id, "phase", string(ee.Phase), "error", err)
	}
}
