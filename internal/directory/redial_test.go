package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/go-ldap/ldap/v3"

	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/logutil"
)

func TestRedialer_RedialsAfterNetworkError(t *testing.T) {
	searchers := []*fakeSearcher{
		{err: ldap.NewError(ldap.ErrorNetwork, errors.New("connection reset"))},
		{res: &ldap.SearchResult{Entries: []*ldap.Entry{ldap.NewEntry("CN=a", nil)}}},
	}
	dials := 0
	r := &Redialer{
		dial: func(ctx context.Context) (*LDAP, error) {
			s := searchers[dials]
			dials++
			return NewWithSearcher(s, nil), nil
		},
		logger: logutil.Noop(),
	}

	if _, err := r.Search(context.Background(), SearchRequest{BaseDN: "DC=x"}); err == nil {
		t.Fatal("expected the network error")
	}
	res, err := r.Search(context.Background(), SearchRequest{BaseDN: "DC=x"})
	if err != nil || len(res) != 1 {
		t.Fatalf("Search() after redial = %v, %v", res, err)
	}
	if dials != 2 {
		t.Errorf("dials = %d, want 2", dials)
	}
}

func TestRedialer_KeepsConnectionOnServerError(t *testing.T) {
	s := &fakeSearcher{err: ldap.NewError(ldap.LDAPResultBusy, errors.New("busy"))}
	dials := 0
	r := &Redialer{
		dial: func(ctx context.Context) (*LDAP, error) {
			dials++
			return NewWithSearcher(s, nil), nil
		},
		logger: logutil.Noop(),
	}
	for i := 0; i < 3; i++ {
		r.Search(context.Background(), SearchRequest{BaseDN: "DC=x"})
	}
	if dials != 1 {
		t.Errorf("dials = %d, want 1", dials)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestRedialer_DialFailure(t *testing.T) {
	boom := errors.New("bind failed")
	r := &Redialer{
		dial:   func(ctx context.Context) (*LDAP, error) { return nil, boom },
		logger: logutil.Noop(),
	}
	if _, err := r.Search(context.Background(), SearchRequest{}); !errors.Is(err, boom) {
		t.Errorf("Search() err = %v", err)
	}
}
