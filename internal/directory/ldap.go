// Package directory reads the account snapshot and group memberships from
// Active Directory.
package directory

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/logutil"
)

// Scope selects how far a search descends.
type Scope int

const (
	ScopeSubtree Scope = iota
	ScopeBase
)

// SearchRequest describes one directory search.
type SearchRequest struct {
	BaseDN     string
	Scope      Scope
	Filter     string
	Attributes []string
}

// Attributes is one search result. Single-valued attributes are plain
// strings and multi-valued ones []string, as the directory returns them.
// The entry DN is stored under "dn".
type Attributes map[string]any

// Provider runs directory searches.
type Provider interface {
	Search(ctx context.Context, req SearchRequest) ([]Attributes, error)
}

// Searcher is the part of *ldap.Conn the provider needs.
type Searcher interface {
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
}

// Config holds the directory connection settings.
type Config struct {
	URI                string
	BindDN             string
	BindPassword       string
	Timeout            time.Duration
	InsecureSkipVerify bool
}

// LDAP is a Provider over a bound LDAP connection.
type LDAP struct {
	conn   Searcher
	close  func()
	logger *slog.Logger
}

var _ Provider = (*LDAP)(nil)

// Dial connects and binds.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*LDAP, error) {
	logger = logutil.NoopIfNil(logger)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}

	conn, err := ldap.DialURL(cfg.URI,
		ldap.DialWithTLSConfig(&tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URI, err)
	}
	conn.SetTimeout(timeout)

	if err := conn.Bind(cfg.BindDN, cfg.BindPassword); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bind as %s: %w", cfg.BindDN, err)
	}
	logger.Debug("directory bound", "uri", cfg.URI, "bind_dn", cfg.BindDN)

	return &LDAP{conn: conn, close: func() { conn.Close() }, logger: logger}, nil
}

// NewWithSearcher wraps an existing searcher.
func NewWithSearcher(s Searcher, logger *slog.Logger) *LDAP {
	return &LDAP{conn: s, close: func() {}, logger: logutil.NoopIfNil(logger)}
}

// Close unbinds and closes the connection.
func (l *LDAP) Close() error {
	l.close()
	return nil
}

// Search runs req and collapses each entry to Attributes.
func (l *LDAP) Search(ctx context.Context, req SearchRequest) ([]Attributes, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scope := ldap.ScopeWholeSubtree
	if req.Scope == ScopeBase {
		scope = ldap.ScopeBaseObject
	}
	filter := req.Filter
	if filter == "" {
		filter = "(objectClass=*)"
	}

	res, err := l.conn.Search(ldap.NewSearchRequest(
		req.BaseDN, scope, ldap.NeverDerefAliases, 0, 0, false,
		filter, req.Attributes, nil,
	))
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		return nil, fmt.Errorf("search %s: %w", req.BaseDN, err)
	}

	out := make([]Attributes, 0, len(res.Entries))
	for _, e := range res.Entries {
		out = append(out, collapse(e))
	}
	l.logger.Log(ctx, logutil.LevelTrace, "directory search", "base", req.BaseDN, "filter", filter, "entries", len(out))
	return out, nil
}

// collapse mirrors the directory's wire quirk: one value is a string, more
// are a list.
func collapse(e *ldap.Entry) Attributes {
	attrs := Attributes{"dn": e.DN}
	for _, a := range e.Attributes {
		switch len(a.Values) {
		case 0:
		case 1:
			attrs[a.Name] = a.Values[0]
		default:
			attrs[a.Name] = append([]string(nil), a.Values...)
		}
	}
	return attrs
}
