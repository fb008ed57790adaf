// Package templates renders the dovecot and SOGo configuration files that
// point those services at the directory, and installs them when they differ
// from what is deployed.
package templates

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/config"
	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/fsutil"
	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/logutil"
)

// BackupInfix separates a replaced file from its backup counter.
const BackupInfix = ".ldap_mailcow_bak."

// maxBackups bounds the three-digit backup counter.
const maxBackups = 1000

// File is one managed configuration file. Path is relative to both the
// templates and the config directory.
type File struct {
	Path    string
	Service string
}

// Files lists the managed files.
var Files = []File{
	{Path: "dovecot/ldap/passdb.conf", Service: "dovecot"},
	{Path: "dovecot/extra.conf", Service: "dovecot"},
	{Path: "sogo/plist_ldap", Service: "sogo"},
}

// Values maps placeholder names, without the leading $, to their values.
type Values map[string]string

// ValuesFromConfig returns the placeholder values used by the shipped templates.
func ValuesFromConfig(cfg *config.Config) Values {
	return Values{
		"ldap_uri":              cfg.LDAPURI,
		"ldap_gc_uri":           cfg.LDAPGCURI,
		"ldap_domain":           cfg.LDAPDomain,
		"ldap_base_dn":          cfg.LDAPBaseDN,
		"ldap_bind_dn":          cfg.LDAPBindDN,
		"ldap_bind_dn_password": cfg.LDAPBindPassword,
		"sogo_ldap_filter":      cfg.SOGoLDAPFilter,
		"doveadm_api_key":       cfg.DoveadmAPIKey,
	}
}

// Render substitutes every $name placeholder of vals in tmpl. Longer names
// win over their prefixes, so $ldap_bind_dn_password is never split.
func Render(tmpl string, vals Values) string {
	names := make([]string, 0, len(vals))
	for k := range vals {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	pairs := make([]string, 0, 2*len(names))
	for _, k := range names {
		pairs = append(pairs, "$"+k, vals[k])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

var whitespace = regexp.MustCompile(`\s+`)

// Equivalent reports whether a and b differ at most in whitespace runs.
func Equivalent(a, b string) bool {
	return whitespace.ReplaceAllString(a, "*") == whitespace.ReplaceAllString(b, "*")
}

// Result reports what Apply changed.
type Result struct {
	Changed []string
	Backups []string
}

// RestartNeeded returns the services whose files changed, sorted.
func (r Result) RestartNeeded() []string {
	seen := map[string]bool{}
	for _, p := range r.Changed {
		for _, f := range Files {
			if f.Path == p {
				seen[f.Service] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Manager renders templates from one directory into another.
type Manager struct {
	templatesDir string
	configDir    string
	logger       *slog.Logger
}

// NewManager creates a Manager.
func NewManager(templatesDir, configDir string, logger *slog.Logger) *Manager {
	logger = logutil.NoopIfNil(logger)
	return &Manager{templatesDir: templatesDir, configDir: configDir, logger: logger}
}

// Apply renders every managed file and installs the ones that changed.
// Templates are read only; the rendered text never touches the template.
func (m *Manager) Apply(vals Values) (Result, error) {
	var res Result
	for _, f := range Files {
		raw, err := os.ReadFile(filepath.Join(m.templatesDir, f.Path))
		if err != nil {
			return res, fmt.Errorf("read template %s: %w", f.Path, err)
		}
		target := filepath.Join(m.configDir, f.Path)
		changed, backup, err := Install(target, Render(string(raw), vals))
		if err != nil {
			return res, err
		}
		if !changed {
			m.logger.Debug("config file unchanged", "path", target)
			continue
		}
		res.Changed = append(res.Changed, f.Path)
		if backup != "" {
			res.Backups = append(res.Backups, backup)
			m.logger.Info("config file backed up", "path", target, "backup", backup)
		}
		m.logger.Info("config file written", "path", target)
	}
	if services := res.RestartNeeded(); len(services) > 0 {
		m.logger.Warn("configuration changed, restart the affected services", "services", services)
	}
	return res, nil
}

// Install writes content to path unless the current file is equivalent. An
// existing different file is first renamed to the first free backup name.
func Install(path, content string) (changed bool, backup string, err error) {
	current, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return false, "", fmt.Errorf("read %s: %w", path, err)
	case Equivalent(string(current), content):
		return false, "", nil
	default:
		backup, err = freeBackupName(path)
		if err != nil {
			return false, "", err
		}
		if err := os.Rename(path, backup); err != nil {
			return false, "", fmt.Errorf("back up %s: %w", path, err)
		}
	}

	if err := fsutil.WriteFileAtomic(path, []byte(content), 0644); err != nil {
		return false, backup, err
	}
	return true, backup, nil
}

func freeBackupName(path string) (string, error) {
	for i := 0; i < maxBackups; i++ {
		name := fmt.Sprintf("%s%s%03d", path, BackupInfix, i)
		if _, err := os.Lstat(name); errors.Is(err, fs.ErrNotExist) {
			return name, nil
		} else if err != nil {
			return "", fmt.Errorf("stat %s: %w", name, err)
		}
	}
	return "", fmt.Errorf("no free backup name for %s", path)
}
