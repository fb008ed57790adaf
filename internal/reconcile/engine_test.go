package reconcile

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/MahdiBaghbani/ldapmailsync/internal/account"
	"github.com/MahdiBaghbani/ldapmailsync/internal/directory"
)

func TestEpochSource_StrictlyIncreasing(t *testing.T) {
	src := NewEpochSource(func() time.Time { return time.UnixMilli(5_000) })
	a, b := src.Next(), src.Next()
	if a != 5_000 || b != 5_001 {
		t.Errorf("epochs = %d, %d; want 5000, 5001", a, b)
	}
	src.Observe(9_000)
	if c := src.Next(); c != 9_001 {
		t.Errorf("epoch after Observe = %d, want 9001", c)
	}
	src.Observe(10)
	if d := src.Next(); d != 9_002 {
		t.Errorf("Observe must never lower the floor, got %d", d)
	}
}

func TestPrime_StaysAheadOfStoredEpochs(t *testing.T) {
	h := newHarness(t, 2)
	old := account.NewEntity("old@x", "Old", account.Enabled, 50_000)
	h.store.put(old)
	if err := h.engine.Prime(context.Background()); err != nil {
		t.Fatal(err)
	}
	rep := h.run(t)
	if rep.Epoch <= 50_000 {
		t.Errorf("epoch = %d, want > 50000", rep.Epoch)
	}
}

func TestScenario_NewUserAlice(t *testing.T) {
	h := newHarness(t, 2)

	rep := h.run(t, user("alice@x", "Alice", uacNormal))

	ent := h.store.get(t, "alice@x")
	if ent.ActiveState != account.Enabled || ent.InactivityStrikes != 0 {
		t.Errorf("tracking row = %s/%d, want Enabled/0", ent.ActiveState, ent.InactivityStrikes)
	}
	if ent.DisplayName != "Alice" || ent.LastSeenEpoch != rep.Epoch {
		t.Errorf("tracking row = %+v", ent)
	}
	if len(h.mailboxes.created) != 1 {
		t.Fatalf("mailboxes created = %d, want 1", len(h.mailboxes.created))
	}
	nm := h.mailboxes.created[0]
	if nm.Identifier != "alice@x" || nm.DisplayName != "Alice" || nm.ActiveState != account.Enabled || nm.QuotaMiB != 256 {
		t.Errorf("create request = %+v", nm)
	}
	if len(h.acl.batches) != 0 {
		t.Errorf("ACL batches = %d, want 0", len(h.acl.batches))
	}
	if rep.Created != 1 || rep.MailboxesCreated != 1 || !rep.OK() {
		t.Errorf("report = %+v", rep)
	}
}

func TestScenario_StaleBobDeactivated(t *testing.T) {
	h := newHarness(t, 2)
	bob := account.NewEntity("bob@x", "Bob", account.Enabled, 1)
	bob.InactivityStrikes = 2
	h.store.put(bob)
	h.mailboxes.put(account.Mailbox{Identifier: "bob@x", DisplayName: "Bob", ActiveState: account.Enabled})

	rep := h.run(t)

	ent := h.store.get(t, "bob@x")
	if ent.ActiveState != account.Disabled || ent.InactivityStrikes != account.StrikesDeactivated {
		t.Errorf("bob = %s/%d, want Disabled/%d", ent.ActiveState, ent.InactivityStrikes, account.StrikesDeactivated)
	}
	if !ent.DeactivatedByStaleness() {
		t.Error("DeactivatedByStaleness() = false")
	}
	ups := h.mailboxes.updatesFor("bob@x")
	if len(ups) != 1 || ups[0].ActiveState == nil || *ups[0].ActiveState != account.Disabled {
		t.Fatalf("mailbox updates = %+v, want one deactivation", ups)
	}
	if ups[0].DisplayName != nil || ups[0].SenderACL != nil {
		t.Errorf("deactivation should carry only the active flag: %+v", ups[0])
	}
	if rep.Deactivated != 1 {
		t.Errorf("report.Deactivated = %d", rep.Deactivated)
	}
}

func TestPresence_Idempotent(t *testing.T) {
	h := newHarness(t, 2)
	h.members.set("CN=Readers", "carol@x")
	entry := user("alice@x", "Alice", uacNormal)
	entry.MailPermRO = []string{"CN=Readers"}
	ctx := context.Background()
	rep := newReport(42, time.Now())

	ent, err := h.engine.reconcilePresence(ctx, entry, 42, rep)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.engine.reconcilePermissions(ctx, entry, ent, rep); err != nil {
		t.Fatal(err)
	}

	h.store.resetWrites()
	h.mailboxes.reset()
	h.acl.reset()

	ent, err = h.engine.reconcilePresence(ctx, entry, 42, rep)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.engine.reconcilePermissions(ctx, entry, ent, rep); err != nil {
		t.Fatal(err)
	}
	if h.store.writes != 0 || h.mailboxes.mutations() != 0 || len(h.acl.batches) != 0 {
		t.Errorf("second run: writes=%d mailbox mutations=%d acl batches=%d; want all zero",
			h.store.writes, h.mailboxes.mutations(), len(h.acl.batches))
	}
}

func TestCycle_SecondRunIssuesNoGatewayOperations(t *testing.T) {
	h := newHarness(t, 2)
	h.members.set("CN=Readers", "carol@x", "dave@x")
	h.members.set("CN=Senders", "carol@x")
	alice := user("alice@x", "Alice", uacNormal)
	alice.MailPermRO = []string{"CN=Readers"}
	alice.MailPermSOB = []string{"CN=Senders"}
	carol := user("carol@x", "Carol", uacNormal)

	h.run(t, alice, carol)
	h.mailboxes.reset()
	h.acl.reset()

	rep := h.run(t, alice, carol)
	if h.mailboxes.mutations() != 0 || len(h.acl.batches) != 0 {
		t.Errorf("second cycle: mailbox mutations=%d acl batches=%d", h.mailboxes.mutations(), len(h.acl.batches))
	}
	if rep.Updated != 0 || rep.Granted != 0 || rep.SendOnBehalfCommitted != 0 {
		t.Errorf("report = %+v", rep)
	}
}

func TestTriState_DrivesMailboxState(t *testing.T) {
	tests := []struct {
		uac  uint32
		want account.ActiveState
	}{
		{uacNormal, account.Enabled},
		{uacDisabled, account.EnabledNoLogin},
		{uacLocked, account.Enabled},
		{uacBoth, account.EnabledNoLogin},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%#x", tt.uac), func(t *testing.T) {
			h := newHarness(t, 2)
			h.run(t, user("alice@x", "Alice", tt.uac))
			if got := h.mailboxes.created[0].ActiveState; got != tt.want {
				t.Errorf("created with %s, want %s", got, tt.want)
			}
			if got := h.store.get(t, "alice@x").ActiveState; got != tt.want {
				t.Errorf("tracked as %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPresence_PushesStateAndRename(t *testing.T) {
	h := newHarness(t, 2)
	h.run(t, user("alice@x", "Alice", uacNormal))
	h.mailboxes.reset()

	rep := h.run(t, user("alice@x", "Alice Smith", uacDisabled))

	ups := h.mailboxes.updatesFor("alice@x")
	if len(ups) != 1 {
		t.Fatalf("updates = %d, want 1 combined update", len(ups))
	}
	if ups[0].ActiveState == nil || *ups[0].ActiveState != account.EnabledNoLogin {
		t.Errorf("active = %v", ups[0].ActiveState)
	}
	if ups[0].DisplayName == nil || *ups[0].DisplayName != "Alice Smith" {
		t.Errorf("name = %v", ups[0].DisplayName)
	}
	ent := h.store.get(t, "alice@x")
	if ent.DisplayName != "Alice Smith" || ent.ActiveState != account.EnabledNoLogin {
		t.Errorf("tracking row = %+v", ent)
	}
	if rep.Updated != 1 {
		t.Errorf("report.Updated = %d", rep.Updated)
	}
}

func TestPresence_MailboxFailureCostsNoStrike(t *testing.T) {
	h := newHarness(t, 0)
	h.mailboxes.failCreate["alice@x"] = true

	rep := h.run(t, user("alice@x", "Alice", uacNormal))

	ent := h.store.get(t, "alice@x")
	if ent.LastSeenEpoch != rep.Epoch || ent.InactivityStrikes != 0 || ent.ActiveState != account.Enabled {
		t.Errorf("tracking row = %+v, want refreshed and enabled", ent)
	}
	if len(rep.Errors) != 1 || rep.Errors[0].Phase != PhasePresence || !errors.Is(rep.Errors[0], errBoom) {
		t.Fatalf("errors = %+v", rep.Errors)
	}

	delete(h.mailboxes.failCreate, "alice@x")
	h.run(t, user("alice@x", "Alice", uacNormal))
	if len(h.mailboxes.created) != 1 {
		t.Errorf("mailbox should be created on retry, created = %d", len(h.mailboxes.created))
	}
}

func TestCycle_SkipsEntriesWithoutIdentifier(t *testing.T) {
	h := newHarness(t, 2)
	rep := h.run(t,
		directory.Entry{DN: "CN=svc,DC=x", DisplayName: "Service"},
		user("alice@x", "Alice", uacNormal),
		user("ALICE@x", "Alice again", uacNormal),
	)
	if rep.Skipped != 2 || rep.Entries != 1 || !rep.OK() {
		t.Errorf("report = %+v", rep)
	}
	if len(h.mailboxes.created) != 1 {
		t.Errorf("created = %d", len(h.mailboxes.created))
	}
}

func TestStaleness_Monotonic(t *testing.T) {
	const threshold = 3
	for n := 1; n <= threshold+2; n++ {
		t.Run(fmt.Sprintf("absent_%d", n), func(t *testing.T) {
			h := newHarness(t, threshold)
			h.run(t, user("bob@x", "Bob", uacNormal))
			for i := 0; i < n; i++ {
				h.run(t)
			}
			ent := h.store.get(t, "bob@x")
			if n <= threshold {
				if ent.ActiveState != account.Enabled || ent.InactivityStrikes != n {
					t.Errorf("after %d absences: %s/%d, want Enabled/%d", n, ent.ActiveState, ent.InactivityStrikes, n)
				}
				if ent.Staleness().State != "stale" {
					t.Errorf("Staleness() = %+v", ent.Staleness())
				}
			} else if ent.ActiveState != account.Disabled {
				t.Errorf("after %d absences: %s, want Disabled", n, ent.ActiveState)
			}

			h.run(t, user("bob@x", "Bob", uacNormal))
			ent = h.store.get(t, "bob@x")
			if ent.InactivityStrikes != 0 || ent.ActiveState != account.Enabled {
				t.Errorf("after reappearing: %s/%d, want Enabled/0", ent.ActiveState, ent.InactivityStrikes)
			}
			if mb, _ := h.mailboxes.Get(context.Background(), "bob@x"); mb.ActiveState != account.Enabled {
				t.Errorf("mailbox after reappearing = %s", mb.ActiveState)
			}
		})
	}
}

func TestStaleness_IncrementLeavesMailboxAlone(t *testing.T) {
	h := newHarness(t, 2)
	h.run(t, user("bob@x", "Bob", uacNormal))
	h.mailboxes.reset()

	rep := h.run(t)
	if h.mailboxes.mutations() != 0 {
		t.Errorf("mailbox mutations = %d, want 0", h.mailboxes.mutations())
	}
	if rep.StaleIncremented != 1 {
		t.Errorf("report.StaleIncremented = %d", rep.StaleIncremented)
	}
}

func TestStaleness_DisabledEntitiesAreNotSwept(t *testing.T) {
	h := newHarness(t, 0)
	gone := account.NewEntity("gone@x", "Gone", account.Disabled, 1)
	gone.InactivityStrikes = account.StrikesDeactivated
	h.store.put(gone)

	h.run(t)
	if h.store.writes != 0 || h.mailboxes.mutations() != 0 {
		t.Errorf("writes=%d mutations=%d, want 0", h.store.writes, h.mailboxes.mutations())
	}
}

func TestStaleness_DeactivationRevokesRecordedGrants(t *testing.T) {
	h := newHarness(t, 0)
	h.members.set("CN=RW", "carol@x")
	h.members.set("CN=Inbox", "dave@x")
	bob := user("bob@x", "Bob", uacNormal)
	bob.MailPermRW = []string{"CN=RW"}
	bob.MailPermROInbox = []string{"CN=Inbox"}
	h.run(t, bob)
	h.acl.reset()

	h.run(t)

	ent := h.store.get(t, "bob@x")
	for _, class := range account.PermissionClasses {
		if ent.Permission(class).Len() != 0 {
			t.Errorf("%s not zeroed: %v", class, ent.Permission(class).Sorted())
		}
	}
	ops := h.acl.ops()
	var folders []string
	for _, op := range ops {
		if op.Verb != account.Revoke {
			t.Errorf("unexpected %s", op.Verb)
		}
		folders = append(folders, op.Principal+":"+op.Folder)
	}
	want := []string{"carol@x:INBOX", "carol@x:Sent", "carol@x:Archive", "dave@x:INBOX"}
	if !reflect.DeepEqual(folders, want) {
		t.Errorf("revocations = %v, want %v", folders, want)
	}
}

func TestStaleness_FailedDeactivationRetried(t *testing.T) {
	h := newHarness(t, 0)
	h.run(t, user("bob@x", "Bob", uacNormal))
	h.mailboxes.failUpdate["bob@x"] = true

	rep := h.run(t)
	if len(rep.Errors) != 1 || rep.Errors[0].Phase != PhaseStaleness {
		t.Fatalf("errors = %+v", rep.Errors)
	}
	if got := h.store.get(t, "bob@x").ActiveState; got != account.Enabled {
		t.Errorf("state = %s, tracking row must not be disabled before the mailbox", got)
	}

	delete(h.mailboxes.failUpdate, "bob@x")
	h.run(t)
	if got := h.store.get(t, "bob@x").ActiveState; got != account.Disabled {
		t.Errorf("state after retry = %s", got)
	}
}
