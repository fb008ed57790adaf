// Package account holds the domain model shared by the tracking store, the
// mail gateways and the reconciliation engine.
package account

import (
	"fmt"
)

// ActiveState is the tri-state activation of a mailbox. The numeric values
// match the mail server's "active" attribute.
type ActiveState int

const (
	// Disabled: no incoming mail, no login.
	Disabled ActiveState = 0
	// Enabled: incoming mail and login allowed.
	Enabled ActiveState = 1
	// EnabledNoLogin: incoming mail accepted, interactive login denied.
	EnabledNoLogin ActiveState = 2
)

func (s ActiveState) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Enabled:
		return "enabled"
	case EnabledNoLogin:
		return "enabled_no_login"
	default:
		return fmt.Sprintf("active_state(%d)", int(s))
	}
}

// Valid reports whether s is one of the three known states.
func (s ActiveState) Valid() bool {
	return s == Disabled || s == Enabled || s == EnabledNoLogin
}

// AccountDisable is the userAccountControl ACCOUNTDISABLE flag.
const AccountDisable uint32 = 0x0002

// StateFromAccountControl maps a directory userAccountControl bitfield to an
// ActiveState. Only ACCOUNTDISABLE is consulted: a disabled account keeps
// receiving mail but may not log in. Other bits, lockout included, are
// ignored, and the directory never yields Disabled; that state is reached
// through staleness only.
func StateFromAccountControl(uac uint32) ActiveState {
	if uac&AccountDisable != 0 {
		return EnabledNoLogin
	}
	return Enabled
}

// Epoch identifies one reconciliation cycle. Epochs are strictly increasing.
type Epoch int64

// StrikesDeactivated pins InactivityStrikes of an entity that was disabled
// because it vanished from the directory.
const StrikesDeactivated = 255

// PermissionClass names one of the four folder sharing scopes.
type PermissionClass string

const (
	ReadOnly      PermissionClass = "mailPermRO"
	ReadWrite     PermissionClass = "mailPermRW"
	ReadOnlyInbox PermissionClass = "mailPermROInbox"
	ReadOnlySent  PermissionClass = "mailPermROSent"
)

// PermissionClasses lists the classes in reconciliation order.
var PermissionClasses = []PermissionClass{ReadOnlyInbox, ReadOnlySent, ReadOnly, ReadWrite}

// Entity is the tracked convergence state of one principal.
type Entity struct {
	Identifier        string
	ActiveState       ActiveState
	DisplayName       string
	InactivityStrikes int
	LastSeenEpoch     Epoch

	Permissions map[PermissionClass]Principals

	SendOnBehalfCommitted Principals
	SendOnBehalfPending   Principals
}

// NewEntity returns an entity first sighted at epoch.
func NewEntity(identifier, displayName string, state ActiveState, epoch Epoch) *Entity {
	return &Entity{
		Identifier:            identifier,
		ActiveState:           state,
		DisplayName:           displayName,
		LastSeenEpoch:         epoch,
		Permissions:           make(map[PermissionClass]Principals, len(PermissionClasses)),
		SendOnBehalfCommitted: NewPrincipals(),
		SendOnBehalfPending:   NewPrincipals(),
	}
}

// Permission returns the recorded set for class, never nil.
func (e *Entity) Permission(class PermissionClass) Principals {
	if p, ok := e.Permissions[class]; ok && p != nil {
		return p
	}
	return NewPrincipals()
}

// SetPermission records members as the set for class, dropping the entity's
// own identifier.
func (e *Entity) SetPermission(class PermissionClass, members Principals) {
	if e.Permissions == nil {
		e.Permissions = make(map[PermissionClass]Principals, len(PermissionClasses))
	}
	e.Permissions[class] = members.Without(e.Identifier)
}

// SendOnBehalfDirty reports whether the pending set differs from what was
// last pushed to the mail server.
func (e *Entity) SendOnBehalfDirty() bool {
	return !e.SendOnBehalfPending.Equal(e.SendOnBehalfCommitted)
}

// Clone returns a deep copy.
func (e *Entity) Clone() *Entity {
	c := *e
	c.Permissions = make(map[PermissionClass]Principals, len(e.Permissions))
	for k, v := range e.Permissions {
		c.Permissions[k] = v.Clone()
	}
	c.SendOnBehalfCommitted = e.SendOnBehalfCommitted.Clone()
	c.SendOnBehalfPending = e.SendOnBehalfPending.Clone()
	return &c
}

// Equal reports whether two entities carry the same state.
func (e *Entity) Equal(o *Entity) bool {
	if e == nil || o == nil {
		return e == o
	}
	if e.Identifier != o.Identifier ||
		e.ActiveState != o.ActiveState ||
		e.DisplayName != o.DisplayName ||
		e.InactivityStrikes != o.InactivityStrikes ||
		e.LastSeenEpoch != o.LastSeenEpoch {
		return false
	}
	for _, class := range PermissionClasses {
		if !e.Permission(class).Equal(o.Permission(class)) {
			return false
		}
	}
	return e.SendOnBehalfCommitted.Equal(o.SendOnBehalfCommitted) &&
		e.SendOnBehalfPending.Equal(o.SendOnBehalfPending)
}

// Staleness is the derived position of an entity in the staleness state machine.
type Staleness struct {
	State   string // fresh, stale, disabled
	Strikes int
}

// Staleness derives the state-machine position from the stored fields.
func (e *Entity) Staleness() Staleness {
	switch {
	case e.ActiveState == Disabled:
		return Staleness{State: "disabled", Strikes: e.InactivityStrikes}
	case e.InactivityStrikes > 0:
		return Staleness{State: "stale", Strikes: e.InactivityStrikes}
	default:
		return Staleness{State: "fresh"}
	}
}

// DeactivatedByStaleness reports whether the entity was disabled by the
// staleness sweep rather than by the directory.
func (e *Entity) DeactivatedByStaleness() bool {
	return e.ActiveState == Disabled && e.InactivityStrikes == StrikesDeactivated
}
