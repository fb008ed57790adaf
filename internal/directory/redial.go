package directory

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/go-ldap/ldap/v3"

	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/logutil"
)

// Redialer is a Provider for long-running processes. It binds on first use
// and again after the connection is lost.
type Redialer struct {
	dial   func(ctx context.Context) (*LDAP, error)
	logger *slog.Logger

	mu  sync.Mutex
	cur *LDAP
}

var _ Provider = (*Redialer)(nil)

// NewRedialer returns a Redialer that binds with cfg.
func NewRedialer(cfg Config, logger *slog.Logger) *Redialer {
	logger = logutil.NoopIfNil(logger)
	return &Redialer{
		dial:   func(ctx context.Context) (*LDAP, error) { return Dial(ctx, cfg, logger) },
		logger: logger,
	}
}

// Search runs req on the current connection, dialing one if needed. A
// network failure drops the connection so the next call redials.
func (r *Redialer) Search(ctx context.Context, req SearchRequest) ([]Attributes, error) {
	conn, err := r.conn(ctx)
	if err != nil {
		return nil, err
	}
	res, err := conn.Search(ctx, req)
	if err != nil && isNetworkError(err) {
		r.drop(conn)
	}
	return res, err
}

// Close closes the current connection, if any.
func (r *Redialer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return nil
	}
	err := r.cur.Close()
	r.cur = nil
	return err
}

func (r *Redialer) conn(ctx context.Context) (*LDAP, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != nil {
		return r.cur, nil
	}
	c, err := r.dial(ctx)
	if err != nil {
		return nil, err
	}
	r.cur = c
	return c, nil
}

func (r *Redialer) drop(c *LDAP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != c {
		return
	}
	r.logger.Warn("directory connection lost, will redial")
	_ = c.Close()
	r.cur = nil
}

func isNetworkError(err error) bool {
	var le *ldap.Error
	return errors.As(err, &le) && le.ResultCode == ldap.ErrorNetwork
}
