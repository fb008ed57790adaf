package account

import "errors"

// ErrMailboxNotFound is returned by mailbox gateways for unknown identifiers.
var ErrMailboxNotFound = errors.New("mailbox not found")

// Mailbox is the mail server's view of an account.
type Mailbox struct {
	Identifier  string
	DisplayName string
	ActiveState ActiveState
	SenderACL   []string
}

// NewMailbox describes a mailbox to create.
type NewMailbox struct {
	Identifier  string
	DisplayName string
	ActiveState ActiveState
	QuotaMiB    int
	Credential  string
}

// MailboxUpdate is a partial mailbox edit. Nil fields are left untouched;
// a non-nil SenderACL replaces the full list.
type MailboxUpdate struct {
	ActiveState *ActiveState
	DisplayName *string
	SenderACL   []string
}

// Empty reports whether the update carries no attribute.
func (u MailboxUpdate) Empty() bool {
	return u.ActiveState == nil && u.DisplayName == nil && u.SenderACL == nil
}

// Verb is an ACL operation kind.
type Verb string

const (
	Grant  Verb = "grant"
	Revoke Verb = "revoke"
)

// Right is a single IMAP folder right, named as the ACL service names it.
type Right string

const (
	RightLookup       Right = "lookup"
	RightRead         Right = "read"
	RightWrite        Right = "write"
	RightWriteSeen    Right = "write-seen"
	RightWriteDeleted Right = "write-deleted"
	RightInsert       Right = "insert"
	RightPost         Right = "post"
	RightExpunge      Right = "expunge"
	RightCreate       Right = "create"
	RightDelete       Right = "delete"
)

var readOnlyRights = []Right{RightLookup, RightRead, RightWrite, RightWriteSeen}

var readWriteRights = append(append([]Right{}, readOnlyRights...),
	RightWriteDeleted, RightInsert, RightPost, RightExpunge, RightCreate, RightDelete)

// Rights returns the folder rights granted by class.
func (c PermissionClass) Rights() []Right {
	if c == ReadWrite {
		return append([]Right(nil), readWriteRights...)
	}
	return append([]Right(nil), readOnlyRights...)
}

// ACLOperation grants or revokes rights on one folder of Owner's mailbox.
type ACLOperation struct {
	Verb      Verb
	Owner     string
	Principal string
	Folder    string
	Rights    []Right
}
