package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/MahdiBaghbani/ldapmailsync/internal/account"
	"github.com/MahdiBaghbani/ldapmailsync/internal/directory"
)

// folderSet lazily lists the owner's folders once per entity.
type folderSet struct {
	owner   string
	general []string
	loaded  bool
}

func (e *Engine) folders(ctx context.Context, fs *folderSet, class account.PermissionClass) ([]string, error) {
	switch class {
	case account.ReadOnlyInbox:
		return []string{e.cfg.InboxFolder}, nil
	case account.ReadOnlySent:
		return []string{e.cfg.SentFolder}, nil
	}
	if fs.loaded {
		return fs.general, nil
	}
	all, err := e.acl.Folders(ctx, fs.owner)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	for _, f := range all {
		if e.cfg.SharedFolderPrefix != "" && strings.HasPrefix(f, e.cfg.SharedFolderPrefix) {
			continue
		}
		fs.general = append(fs.general, f)
	}
	fs.loaded = true
	return fs.general, nil
}

// resolveClass returns the members of every group the entry references for
// class, without the entry itself.
func (e *Engine) resolveClass(ctx context.Context, entry directory.Entry, self string, class account.PermissionClass) (account.Principals, error) {
	out := account.NewPrincipals()
	for _, dn := range entry.Group(class) {
		ids, err := e.members.Members(ctx, dn)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			out.Add(id)
		}
	}
	return out.Without(self), nil
}

// diffPermissions computes the membership delta of one class. Both sides
// exclude the owner.
func (e *Engine) diffPermissions(ctx context.Context, entry directory.Entry, entity *account.Entity, class account.PermissionClass) (next, granted, revoked account.Principals, err error) {
	next, err = e.resolveClass(ctx, entry, entity.Identifier, class)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resolve %s: %w", class, err)
	}
	old := entity.Permission(class).Without(entity.Identifier)
	granted, revoked = account.Diff(old, next)
	return next, granted, revoked, nil
}

// aclKey addresses one ACL entry of the owner's mailbox.
type aclKey struct {
	principal string
	folder    string
}

// aclView records folders in the order they were first seen, so planned
// operations come out in a stable order.
type aclView struct {
	order []string
	seen  map[string]bool
}

// wider returns the class whose rights include the other's. All read-only
// classes carry the same rights.
func wider(cur, c account.PermissionClass) account.PermissionClass {
	if cur == "" || c == account.ReadWrite {
		return c
	}
	return cur
}

// effectiveACL projects the class sets onto folders for the given principals.
// A doveadm ACL entry is per principal and folder, so classes that share a
// folder must be merged before anything is sent.
func (e *Engine) effectiveACL(ctx context.Context, fs *folderSet, sets map[account.PermissionClass]account.Principals, principals account.Principals, view *aclView) (map[aclKey]account.PermissionClass, error) {
	out := make(map[aclKey]account.PermissionClass)
	for _, class := range account.PermissionClasses {
		var hit []string
		for p := range sets[class] {
			if principals.Has(p) {
				hit = append(hit, p)
			}
		}
		if len(hit) == 0 {
			continue
		}
		folders, err := e.folders(ctx, fs, class)
		if err != nil {
			return nil, err
		}
		for _, f := range folders {
			if !view.seen[f] {
				view.seen[f] = true
				view.order = append(view.order, f)
			}
			for _, p := range hit {
				k := aclKey{p, f}
				out[k] = wider(out[k], class)
			}
		}
	}
	return out, nil
}

// planACL turns the move from old to next class sets into ACL operations.
// Only principals whose membership changed are considered. An entry that
// keeps some rights is re-set to the merged rights; aclRemove is sent only
// when no class reaches the entry any more.
func (e *Engine) planACL(ctx context.Context, fs *folderSet, old, next map[account.PermissionClass]account.Principals, changed account.Principals) ([]account.ACLOperation, error) {
	view := &aclView{seen: make(map[string]bool)}
	before, err := e.effectiveACL(ctx, fs, old, changed, view)
	if err != nil {
		return nil, err
	}
	after, err := e.effectiveACL(ctx, fs, next, changed, view)
	if err != nil {
		return nil, err
	}

	var ops []account.ACLOperation
	for _, p := range changed.Sorted() {
		for _, f := range view.order {
			k := aclKey{p, f}
			was, now := before[k], after[k]
			if sameRights(was, now) {
				continue
			}
			if now == "" {
				ops = append(ops, account.ACLOperation{
					Verb: account.Revoke, Owner: fs.owner, Principal: p, Folder: f, Rights: was.Rights(),
				})
				continue
			}
			ops = append(ops, account.ACLOperation{
				Verb: account.Grant, Owner: fs.owner, Principal: p, Folder: f, Rights: now.Rights(),
			})
		}
	}
	return ops, nil
}

func sameRights(a, b account.PermissionClass) bool {
	if a == "" || b == "" {
		return a == b
	}
	return (a == account.ReadWrite) == (b == account.ReadWrite)
}

// applyBatched sends ops in sequential batches of at most ACLBatchSize.
func (e *Engine) applyBatched(ctx context.Context, ops []account.ACLOperation) error {
	size := e.cfg.ACLBatchSize
	for start := 0; start < len(ops); start += size {
		end := min(start+size, len(ops))
		if err := e.acl.Apply(ctx, ops[start:end]); err != nil {
			return fmt.Errorf("apply acl batch %d-%d of %d: %w", start, end, len(ops), err)
		}
	}
	return nil
}

// reconcilePermissions runs the differ for every class in order. A class
// whose attribute and recorded set are both empty is skipped. The deltas of
// all classes are merged per principal and folder before any operation is
// sent, and the new sets are recorded only after every batch succeeded, so a
// failure is retried next cycle against the old sets.
func (e *Engine) reconcilePermissions(ctx context.Context, entry directory.Entry, entity *account.Entity, rep *Report) error {
	old := make(map[account.PermissionClass]account.Principals, len(account.PermissionClasses))
	next := make(map[account.PermissionClass]account.Principals, len(account.PermissionClasses))
	changed := account.NewPrincipals()
	granted, revoked := 0, 0
	for _, class := range account.PermissionClasses {
		old[class] = entity.Permission(class).Without(entity.Identifier)
		next[class] = old[class]
		// An emptied attribute with recorded grants is diffed against the
		// empty set, which revokes them.
		if len(entry.Group(class)) == 0 && old[class].Len() == 0 {
			continue
		}

		n, g, r, err := e.diffPermissions(ctx, entry, entity, class)
		if err != nil {
			return err
		}
		next[class] = n
		for p := range g {
			changed.Add(p)
		}
		for p := range r {
			changed.Add(p)
		}
		granted += g.Len()
		revoked += r.Len()
		if g.Len() > 0 || r.Len() > 0 {
			e.logger.Info("permissions changed",
				"identifier", entity.Identifier, "class", string(class),
				"granted", g.Sorted(), "revoked", r.Sorted())
		}
	}

	if changed.Len() > 0 {
		fs := &folderSet{owner: entity.Identifier}
		ops, err := e.planACL(ctx, fs, old, next, changed)
		if err != nil {
			return err
		}
		if err := e.applyBatched(ctx, ops); err != nil {
			return err
		}
		rep.add(&rep.Granted, granted)
		rep.add(&rep.Revoked, revoked)
		e.logger.Debug("acl entries updated", "identifier", entity.Identifier, "operations", len(ops))
	}

	dirty := false
	for _, class := range account.PermissionClasses {
		if !entity.Permission(class).Equal(next[class]) {
			entity.SetPermission(class, next[class])
			dirty = true
		}
	}
	if !dirty {
		return nil
	}
	if err := e.store.Upsert(ctx, entity); err != nil {
		return fmt.Errorf("save permissions: %w", err)
	}
	return nil
}
