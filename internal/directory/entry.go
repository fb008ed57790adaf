package directory

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/MahdiBaghbani/ldapmailsync/internal/account"
)

// Snapshot attributes requested for every account.
var SnapshotAttributes = []string{
	"mail",
	"displayName",
	"userAccountControl",
	"mailPermRO",
	"mailPermRW",
	"mailPermROInbox",
	"mailPermROSent",
	"mailPermSOB",
}

// Entry is one account of the directory snapshot. The permission fields hold
// group DNs; an empty slice means the attribute is absent.
type Entry struct {
	DN              string   `mapstructure:"dn"`
	Mail            string   `mapstructure:"mail"`
	DisplayName     string   `mapstructure:"displayName"`
	AccountControl  uint32   `mapstructure:"userAccountControl"`
	MailPermRO      []string `mapstructure:"mailPermRO"`
	MailPermRW      []string `mapstructure:"mailPermRW"`
	MailPermROInbox []string `mapstructure:"mailPermROInbox"`
	MailPermROSent  []string `mapstructure:"mailPermROSent"`
	MailPermSOB     []string `mapstructure:"mailPermSOB"`
}

// Identifier returns the normalized mail address, or "" when the entry has
// none or it is malformed.
func (e Entry) Identifier() string {
	id, err := account.NormalizeIdentifier(e.Mail)
	if err != nil {
		return ""
	}
	return id
}

// State maps userAccountControl to the tri-state.
func (e Entry) State() account.ActiveState {
	return account.StateFromAccountControl(e.AccountControl)
}

// Group returns the group DNs granting class.
func (e Entry) Group(class account.PermissionClass) []string {
	switch class {
	case account.ReadOnly:
		return e.MailPermRO
	case account.ReadWrite:
		return e.MailPermRW
	case account.ReadOnlyInbox:
		return e.MailPermROInbox
	case account.ReadOnlySent:
		return e.MailPermROSent
	}
	return nil
}

// Members normalizes a multi-valued attribute: nil and "" become empty, a
// bare string becomes a one-element list, lists are copied with blanks dropped.
func Members(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return []string{t}
	case []string:
		out := make([]string, 0, len(t))
		for _, s := range t {
			if strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{fmt.Sprint(t)}
	}
}

var stringSlice = reflect.TypeOf([]string(nil))

// decodeHook routes every []string target through Members and parses numeric
// strings for integer targets.
func decodeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to == stringSlice {
		return Members(data), nil
	}
	if to.Kind() == reflect.Uint32 {
		if s, ok := data.(string); ok {
			n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
			if err != nil {
				// userAccountControl is sometimes reported signed
				i, ierr := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
				if ierr != nil {
					return nil, fmt.Errorf("parse %q: %w", s, err)
				}
				return uint32(i), nil
			}
			return uint32(n), nil
		}
	}
	if to.Kind() == reflect.String {
		if list, ok := data.([]string); ok {
			if len(list) == 0 {
				return "", nil
			}
			return list[0], nil
		}
	}
	return data, nil
}

// DecodeEntry converts a collapsed search result to an Entry.
func DecodeEntry(attrs Attributes) (Entry, error) {
	var e Entry
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     &e,
		TagName:    "mapstructure",
		DecodeHook: decodeHook,
	})
	if err != nil {
		return Entry{}, err
	}
	if err := dec.Decode(map[string]any(attrs)); err != nil {
		return Entry{}, fmt.Errorf("decode %v: %w", attrs["dn"], err)
	}
	return e, nil
}
