// Package mailcow is the mailbox gateway: a client for the mail server's
// REST API v1.
package mailcow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/MahdiBaghbani/ldapmailsync/internal/account"
	httpclient "github.com/MahdiBaghbani/ldapmailsync/internal/platform/http/client"
	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/logutil"
)

// ErrRejected is returned when the API answers with a non-success message.
var ErrRejected = errors.New("mailcow rejected request")

// UserACLBaseline is applied to every mailbox this service creates.
var UserACLBaseline = []string{
	"spam_alias",
	"spam_score",
	"spam_policy",
	"delimiter_action",
	"quarantine",
	"quarantine_notification",
}

// Client talks to the mail server API.
type Client struct {
	baseURL string
	apiKey  string
	http    httpclient.HTTPClient
	logger  *slog.Logger
}

// New creates a client for the API at baseURL (scheme://host[:port]).
func New(baseURL, apiKey string, hc httpclient.HTTPClient, logger *slog.Logger) *Client {
	logger = logutil.NoopIfNil(logger)
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    hc,
		logger:  logger.With("component", "mailcow"),
	}
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	h.Set("X-API-Key", c.apiKey)
	return h
}

// mailboxResponse is the subset of the mailbox record we read.
type mailboxResponse struct {
	Username  string `json:"username"`
	Name      string `json:"name"`
	ActiveInt *int   `json:"active_int"`
}

// Get returns the mailbox or account.ErrMailboxNotFound.
func (c *Client) Get(ctx context.Context, identifier string) (*account.Mailbox, error) {
	var raw json.RawMessage
	u := c.baseURL + "/api/v1/get/mailbox/" + url.PathEscape(identifier)
	if err := c.http.DoJSON(ctx, http.MethodGet, u, c.headers(), nil, &raw); err != nil {
		return nil, fmt.Errorf("get mailbox %s: %w", identifier, err)
	}

	mb, err := parseMailbox(raw)
	if err != nil {
		return nil, fmt.Errorf("get mailbox %s: %w", identifier, err)
	}
	if mb == nil || mb.ActiveInt == nil {
		return nil, account.ErrMailboxNotFound
	}
	return &account.Mailbox{
		Identifier:  identifier,
		DisplayName: mb.Name,
		ActiveState: account.ActiveState(*mb.ActiveInt),
	}, nil
}

// parseMailbox accepts the object form, an empty object, or a one-element array.
func parseMailbox(raw json.RawMessage) (*mailboxResponse, error) {
	trimmed := strings.TrimSpace(string(raw))
	switch {
	case trimmed == "" || trimmed == "{}" || trimmed == "[]" || trimmed == "null":
		return nil, nil
	case strings.HasPrefix(trimmed, "["):
		var list []mailboxResponse
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return nil, nil
		}
		return &list[0], nil
	default:
		var mb mailboxResponse
		if err := json.Unmarshal(raw, &mb); err != nil {
			return nil, err
		}
		return &mb, nil
	}
}

// Create adds the mailbox and applies UserACLBaseline. When nm.Credential is
// empty a random one is generated. The credential is returned to the caller
// and never logged.
//
// If the baseline cannot be applied the new mailbox is deleted again, so the
// next cycle finds it absent and repeats the whole creation.
func (c *Client) Create(ctx context.Context, nm account.NewMailbox) (string, error) {
	local, domain := account.SplitIdentifier(nm.Identifier)
	if local == "" || domain == "" {
		return "", fmt.Errorf("%w: %q", account.ErrInvalidIdentifier, nm.Identifier)
	}
	credential := nm.Credential
	if credential == "" {
		var err error
		if credential, err = GenerateCredential(CredentialLength); err != nil {
			return "", err
		}
	}

	body := map[string]any{
		"active":          int(nm.ActiveState),
		"force_pw_update": false,
		"local_part":      local,
		"domain":          domain,
		"name":            nm.DisplayName,
		"quota":           nm.QuotaMiB,
		"password":        credential,
		"password2":       credential,
		"tls_enforce_in":  false,
		"tls_enforce_out": false,
	}
	if err := c.post(ctx, "/api/v1/add/mailbox", body); err != nil {
		return "", fmt.Errorf("add mailbox %s: %w", nm.Identifier, err)
	}

	acl := map[string]any{
		"items": nm.Identifier,
		"attr":  map[string]any{"user_acl": UserACLBaseline},
	}
	if err := c.post(ctx, "/api/v1/edit/user-acl", acl); err != nil {
		aclErr := fmt.Errorf("set user acl %s: %w", nm.Identifier, err)
		if derr := c.post(ctx, "/api/v1/delete/mailbox", []string{nm.Identifier}); derr != nil {
			c.logger.Error("mailbox left without user acl baseline", "identifier", nm.Identifier, "error", derr)
			return "", errors.Join(aclErr, fmt.Errorf("roll back mailbox %s: %w", nm.Identifier, derr))
		}
		c.logger.Warn("mailbox creation rolled back", "identifier", nm.Identifier, "error", err)
		return "", aclErr
	}

	c.logger.Info("mailbox created", "identifier", nm.Identifier, "active", int(nm.ActiveState), "quota", nm.QuotaMiB)
	return credential, nil
}

// Update edits the given attributes. An empty update is a no-op.
func (c *Client) Update(ctx context.Context, identifier string, upd account.MailboxUpdate) error {
	if upd.Empty() {
		return nil
	}
	attr := make(map[string]any, 3)
	if upd.ActiveState != nil {
		attr["active"] = int(*upd.ActiveState)
	}
	if upd.DisplayName != nil {
		attr["name"] = *upd.DisplayName
	}
	if upd.SenderACL != nil {
		attr["sender_acl"] = upd.SenderACL
	}
	body := map[string]any{
		"items": []string{identifier},
		"attr":  attr,
	}
	if err := c.post(ctx, "/api/v1/edit/mailbox", body); err != nil {
		return fmt.Errorf("edit mailbox %s: %w", identifier, err)
	}
	c.logger.Debug("mailbox updated", "identifier", identifier, "attrs", len(attr))
	return nil
}

// apiMessage is one element of a write response.
type apiMessage struct {
	Type string `json:"type"`
	Msg  any    `json:"msg"`
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	var raw json.RawMessage
	if err := c.http.DoJSON(ctx, http.MethodPost, c.baseURL+path, c.headers(), body, &raw); err != nil {
		return err
	}
	return checkMessages(raw)
}

// checkMessages maps any non-success message to ErrRejected.
func checkMessages(raw json.RawMessage) error {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil
	}
	var msgs []apiMessage
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &msgs); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	} else {
		var m apiMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		msgs = []apiMessage{m}
	}
	for _, m := range msgs {
		if m.Type != "" && m.Type != "success" {
			return fmt.Errorf("%w: %s: %v", ErrRejected, m.Type, m.Msg)
		}
	}
	return nil
}
