// Package doveadm is the ACL gateway: a client for the Dovecot doveadm HTTP API.
package doveadm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/MahdiBaghbani/ldapmailsync/internal/account"
	httpclient "github.com/MahdiBaghbani/ldapmailsync/internal/platform/http/client"
	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/logutil"
)

// DefaultHost is the doveadm endpoint on the standard container network.
const DefaultHost = "http://172.22.1.250:9000"

// ErrCommandFailed wraps every *CommandError.
var ErrCommandFailed = errors.New("doveadm command failed")

// CommandError is an ["error", {...}, tag] reply.
type CommandError struct {
	Command  string
	Tag      string
	Type     string
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("doveadm %s (%s): %s exit %d", e.Command, e.Tag, e.Type, e.ExitCode)
}

func (e *CommandError) Unwrap() error { return ErrCommandFailed }

// Client sends commands to doveadm.
type Client struct {
	endpoint string
	auth     string
	http     httpclient.HTTPClient
	logger   *slog.Logger
	seq      atomic.Uint64
}

// New creates a client for the doveadm server at host.
func New(host, apiKey string, hc httpclient.HTTPClient, logger *slog.Logger) *Client {
	logger = logutil.NoopIfNil(logger)
	if host == "" {
		host = DefaultHost
	}
	return &Client{
		endpoint: strings.TrimRight(host, "/") + "/doveadm/v1",
		auth:     "X-Dovecot-API " + base64.StdEncoding.EncodeToString([]byte(apiKey)),
		http:     hc,
		logger:   logger.With("component", "doveadm"),
	}
}

// command is one [name, params, tag] element of a request.
type command struct {
	Name   string
	Params map[string]any
	Tag    string
}

func (c command) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{c.Name, c.Params, c.Tag})
}

// reply is one [type, data, tag] element of a response.
type reply struct {
	Type string
	Data json.RawMessage
	Tag  string
}

func (r *reply) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return err
	}
	if len(parts) != 3 {
		return fmt.Errorf("reply has %d elements, want 3", len(parts))
	}
	if err := json.Unmarshal(parts[0], &r.Type); err != nil {
		return err
	}
	r.Data = parts[1]
	return json.Unmarshal(parts[2], &r.Tag)
}

type errorData struct {
	Type     string `json:"type"`
	ExitCode int    `json:"exitCode"`
}

func (c *Client) nextTag(prefix string) string {
	return prefix + "-" + strconv.FormatUint(c.seq.Add(1), 10)
}

// send posts cmds and returns the replies keyed by tag. The first error reply
// is returned as a *CommandError.
func (c *Client) send(ctx context.Context, cmds []command) (map[string]reply, error) {
	headers := http.Header{}
	headers.Set("Authorization", c.auth)

	var replies []reply
	if err := c.http.DoJSON(ctx, http.MethodPost, c.endpoint, headers, cmds, &replies); err != nil {
		return nil, fmt.Errorf("doveadm request: %w", err)
	}

	names := make(map[string]string, len(cmds))
	for _, cmd := range cmds {
		names[cmd.Tag] = cmd.Name
	}
	byTag := make(map[string]reply, len(replies))
	for _, r := range replies {
		if r.Type == "error" {
			var ed errorData
			_ = json.Unmarshal(r.Data, &ed)
			return nil, &CommandError{Command: names[r.Tag], Tag: r.Tag, Type: ed.Type, ExitCode: ed.ExitCode}
		}
		byTag[r.Tag] = r
	}
	return byTag, nil
}

// Apply sends ops as one request. Callers bound the batch size.
func (c *Client) Apply(ctx context.Context, ops []account.ACLOperation) error {
	if len(ops) == 0 {
		return nil
	}
	cmds := make([]command, 0, len(ops))
	for _, op := range ops {
		params := map[string]any{
			"user":    op.Owner,
			"id":      "user=" + op.Principal,
			"mailbox": op.Folder,
		}
		name := "aclRemove"
		if op.Verb == account.Grant {
			name = "aclSet"
			rights := make([]string, len(op.Rights))
			for i, r := range op.Rights {
				rights[i] = string(r)
			}
			params["right"] = rights
		}
		cmds = append(cmds, command{Name: name, Params: params, Tag: c.nextTag(name)})
	}

	if _, err := c.send(ctx, cmds); err != nil {
		return err
	}
	c.logger.Debug("acl operations applied", "count", len(ops))
	return nil
}

// Folders lists the folder names of owner's mailbox.
func (c *Client) Folders(ctx context.Context, owner string) ([]string, error) {
	tag := c.nextTag("mailboxList")
	replies, err := c.send(ctx, []command{{
		Name:   "mailboxList",
		Params: map[string]any{"user": owner},
		Tag:    tag,
	}})
	if err != nil {
		return nil, err
	}
	r, ok := replies[tag]
	if !ok {
		return nil, fmt.Errorf("doveadm mailboxList: no reply for %s", tag)
	}
	var items []struct {
		Mailbox string `json:"mailbox"`
	}
	if err := json.Unmarshal(r.Data, &items); err != nil {
		return nil, fmt.Errorf("doveadm mailboxList: decode: %w", err)
	}
	folders := make([]string, 0, len(items))
	for _, it := range items {
		if it.Mailbox != "" {
			folders = append(folders, it.Mailbox)
		}
	}
	return folders, nil
}
