package directory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MahdiBaghbani/ldapmailsync/internal/account"
	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/cache"
	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/logutil"
)

const (
	memberAttribute = "memberFlattened"
	mailAttribute   = "mail"

	memberKeyPrefix = "member:"
)

// Resolver turns group DNs into the normalized identifiers of their members.
// Member DN to mail lookups are memoized in the cache; a member without a
// mail is cached as an empty value.
type Resolver struct {
	provider Provider
	cache    cache.Cache
	ttl      time.Duration
	logger   *slog.Logger
}

// NewResolver creates a Resolver. A nil cache disables memoization.
func NewResolver(p Provider, c cache.Cache, ttl time.Duration, logger *slog.Logger) *Resolver {
	logger = logutil.NoopIfNil(logger)
	return &Resolver{provider: p, cache: c, ttl: ttl, logger: logger}
}

// Members returns the identifiers of every member of groupDN, in directory
// order with duplicates removed. A group that does not exist has no members.
func (r *Resolver) Members(ctx context.Context, groupDN string) ([]string, error) {
	groupDN = strings.TrimSpace(groupDN)
	if groupDN == "" {
		return nil, nil
	}

	res, err := r.provider.Search(ctx, SearchRequest{
		BaseDN:     groupDN,
		Scope:      ScopeBase,
		Attributes: []string{memberAttribute},
	})
	if err != nil {
		return nil, fmt.Errorf("read members of %s: %w", groupDN, err)
	}
	if len(res) == 0 {
		r.logger.Debug("permission group not found", "group", groupDN)
		return nil, nil
	}

	var out []string
	seen := make(map[string]bool)
	for _, dn := range Members(res[0][memberAttribute]) {
		id, err := r.mailOf(ctx, dn)
		if err != nil {
			return nil, err
		}
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

func (r *Resolver) mailOf(ctx context.Context, memberDN string) (string, error) {
	key := memberKeyPrefix + strings.ToLower(memberDN)
	if r.cache != nil {
		v, err := r.cache.Get(ctx, key)
		if err == nil {
			return string(v), nil
		}
		if !cache.IsMiss(err) {
			r.logger.Warn("member cache read failed", "dn", memberDN, "error", err)
		}
	}

	res, err := r.provider.Search(ctx, SearchRequest{
		BaseDN:     memberDN,
		Scope:      ScopeBase,
		Attributes: []string{mailAttribute},
	})
	if err != nil {
		return "", fmt.Errorf("resolve member %s: %w", memberDN, err)
	}

	id := ""
	if len(res) > 0 {
		if mails := Members(res[0][mailAttribute]); len(mails) > 0 {
			id, err = account.NormalizeIdentifier(mails[0])
			if err != nil {
				r.logger.Warn("member has malformed mail", "dn", memberDN, "error", err)
				id = ""
			}
		}
	}
	if id == "" {
		r.logger.Debug("member has no mail, skipped", "dn", memberDN)
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, key, []byte(id), r.ttl); err != nil {
			r.logger.Warn("member cache write failed", "dn", memberDN, "error", err)
		}
	}
	return id, nil
}
