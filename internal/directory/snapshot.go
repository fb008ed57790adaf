package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/logutil"
)

var (
	// ErrEmptySnapshot is returned by a single fetch attempt that found no entries.
	ErrEmptySnapshot = errors.New("directory returned no entries")
	// ErrSnapshotUnavailable is returned once every attempt failed.
	ErrSnapshotUnavailable = errors.New("directory snapshot unavailable")
)

// SnapshotOptions controls FetchSnapshot.
type SnapshotOptions struct {
	BaseDN string
	Filter string

	// MaxAttempts bounds the number of searches. Values below 1 mean 1.
	MaxAttempts int

	// InitialInterval and MaxInterval shape the exponential backoff between
	// attempts. Zero uses 500ms and 10s.
	InitialInterval time.Duration
	MaxInterval     time.Duration

	Logger *slog.Logger
}

// FetchSnapshot searches for every account, retrying on empty results and
// transport errors. Entries that fail to decode are logged and dropped.
func FetchSnapshot(ctx context.Context, p Provider, opts SnapshotOptions) ([]Entry, error) {
	logger := logutil.NoopIfNil(opts.Logger)
	attempts := opts.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	if opts.InitialInterval > 0 {
		b.InitialInterval = opts.InitialInterval
	}
	if opts.MaxInterval > 0 {
		b.MaxInterval = opts.MaxInterval
	}

	req := SearchRequest{
		BaseDN:     opts.BaseDN,
		Scope:      ScopeSubtree,
		Filter:     opts.Filter,
		Attributes: SnapshotAttributes,
	}

	attempt := 0
	entries, err := backoff.Retry(ctx, func() ([]Entry, error) {
		attempt++
		raw, err := p.Search(ctx, req)
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			return nil, ErrEmptySnapshot
		}
		out := make([]Entry, 0, len(raw))
		for _, attrs := range raw {
			e, err := DecodeEntry(attrs)
			if err != nil {
				logger.Warn("skipping undecodable directory entry", "dn", attrs["dn"], "error", err)
				continue
			}
			out = append(out, e)
		}
		return out, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("directory snapshot attempt failed, retrying",
				"attempt", attempt, "max_attempts", attempts, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrSnapshotUnavailable, attempt, err)
	}

	logger.Info("directory snapshot fetched", "entries", len(entries), "attempts", attempt)
	return entries, nil
}
