// Package config provides configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Errors returned by Load.
var (
	ErrMissingKey   = errors.New("missing required configuration key")
	ErrInvalidValue = errors.New("invalid configuration value")
)

// Config holds the synchronizer configuration. Field tags carry the
// environment key names; TOML files use the same names in lower case.
type Config struct {
	// Directory connection.
	LDAPURI          string `mapstructure:"LDAP_URI"`
	LDAPGCURI        string `mapstructure:"LDAP_GC_URI"`
	LDAPDomain       string `mapstructure:"LDAP_DOMAIN"`
	LDAPBaseDN       string `mapstructure:"LDAP_BASE_DN"`
	LDAPBindDN       string `mapstructure:"LDAP_BIND_DN"`
	LDAPBindPassword string `mapstructure:"LDAP_BIND_DN_PASSWORD"`

	// LDAPFilter selects the synchronized accounts. SOGoLDAPFilter is the
	// same selection in SOGo's qualifier syntax; both are set or neither.
	LDAPFilter     string `mapstructure:"LDAP_FILTER"`
	SOGoLDAPFilter string `mapstructure:"SOGO_LDAP_FILTER"`

	// Mail server REST API.
	APIHost      string `mapstructure:"API_HOST"`
	APIKey       string `mapstructure:"API_KEY"`
	MailboxQuota int    `mapstructure:"MAILBOX_QUOTA"`

	// IMAP ACL service.
	DoveadmAPIHost     string `mapstructure:"DOVEADM_API_HOST"`
	DoveadmAPIKey      string `mapstructure:"DOVEADM_API_KEY"`
	ACLBatchSize       int    `mapstructure:"ACL_BATCH_SIZE"`
	InboxFolder        string `mapstructure:"INBOX_FOLDER"`
	SentFolder         string `mapstructure:"SENT_FOLDER"`
	SharedFolderPrefix string `mapstructure:"SHARED_FOLDER_PREFIX"`

	// Cycle behaviour.
	MaxInactiveCount  int           `mapstructure:"MAX_INACTIVE_COUNT"`
	MaxLDAPRetryCount int           `mapstructure:"MAX_LDAP_RETRY_COUNT"`
	SyncInterval      time.Duration `mapstructure:"SYNC_INTERVAL"`
	Workers           int           `mapstructure:"WORKERS"`

	// Tracking store.
	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DataDir     string `mapstructure:"DATA_DIR"`
	DatabaseDSN string `mapstructure:"DATABASE_DSN"`

	// Member resolution cache.
	CacheDriver     string        `mapstructure:"CACHE_DRIVER"`
	CacheAddr       string        `mapstructure:"CACHE_ADDR"`
	CachePassword   string        `mapstructure:"CACHE_PASSWORD"`
	MemberCacheTTL  time.Duration `mapstructure:"MEMBER_CACHE_TTL"`
	CacheMaxEntries int           `mapstructure:"CACHE_MAX_ENTRIES"`

	// Config file templates for dovecot and SOGo.
	TemplatesEnabled bool   `mapstructure:"TEMPLATES_ENABLED"`
	TemplatesDir     string `mapstructure:"TEMPLATES_DIR"`
	ConfigDir        string `mapstructure:"CONFIG_DIR"`

	// Status server. Empty listen address disables it.
	StatusListenAddr string `mapstructure:"STATUS_LISTEN_ADDR"`
	StatusAPIKeyHash string `mapstructure:"STATUS_API_KEY_HASH"`

	// Outbound HTTP towards both gateways.
	HTTPTimeout          time.Duration `mapstructure:"HTTP_TIMEOUT"`
	HTTPMaxResponseBytes int64         `mapstructure:"HTTP_MAX_RESPONSE_BYTES"`
	HTTPSSRFMode         string        `mapstructure:"HTTP_SSRF_MODE"`
	HTTPInsecureSkipTLS  bool          `mapstructure:"HTTP_INSECURE_SKIP_VERIFY"`

	LogLevel string `mapstructure:"LOG_LEVEL"`
}

// RequiredKeys lists the keys without a usable default.
var RequiredKeys = []string{
	"LDAP_URI",
	"LDAP_GC_URI",
	"LDAP_DOMAIN",
	"LDAP_BASE_DN",
	"LDAP_BIND_DN",
	"LDAP_BIND_DN_PASSWORD",
	"API_HOST",
	"API_KEY",
	"MAX_INACTIVE_COUNT",
	"MAX_LDAP_RETRY_COUNT",
	"DOVEADM_API_KEY",
}

// Default filters used when LDAP_FILTER and SOGO_LDAP_FILTER are both unset.
const (
	DefaultLDAPFilter     = "(&(objectClass=user)(objectCategory=person))"
	DefaultSOGoLDAPFilter = "objectClass='user' AND objectCategory='person'"
)

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		LDAPFilter:           DefaultLDAPFilter,
		SOGoLDAPFilter:       DefaultSOGoLDAPFilter,
		MailboxQuota:         256,
		DoveadmAPIHost:       "http://172.22.1.250:9000",
		ACLBatchSize:         25,
		InboxFolder:          "INBOX",
		SentFolder:           "Sent",
		SharedFolderPrefix:   "Shared/",
		SyncInterval:         5 * time.Minute,
		Workers:              1,
		StoreDriver:          "sqlite",
		DataDir:              "./db",
		CacheDriver:          "memory",
		MemberCacheTTL:       10 * time.Minute,
		CacheMaxEntries:      10000,
		TemplatesEnabled:     true,
		TemplatesDir:         "./templates",
		ConfigDir:            "./conf",
		HTTPTimeout:          30 * time.Second,
		HTTPMaxResponseBytes: 10 << 20,
		HTTPSSRFMode:         "off",
		LogLevel:             "info",
	}
}

// Redacted returns a string representation of the config with secrets redacted.
func (c *Config) Redacted() string {
	var sb strings.Builder
	sb.WriteString("Config{\n")
	fmt.Fprintf(&sb, "  LDAPURI: %q,\n", c.LDAPURI)
	fmt.Fprintf(&sb, "  LDAPGCURI: %q,\n", c.LDAPGCURI)
	fmt.Fprintf(&sb, "  LDAPDomain: %q,\n", c.LDAPDomain)
	fmt.Fprintf(&sb, "  LDAPBaseDN: %q,\n", c.LDAPBaseDN)
	fmt.Fprintf(&sb, "  LDAPBindDN: %q,\n", c.LDAPBindDN)
	sb.WriteString("  LDAPBindPassword: [REDACTED],\n")
	fmt.Fprintf(&sb, "  LDAPFilter: %q,\n", c.LDAPFilter)
	fmt.Fprintf(&sb, "  SOGoLDAPFilter: %q,\n", c.SOGoLDAPFilter)
	fmt.Fprintf(&sb, "  APIHost: %q,\n", c.APIHost)
	sb.WriteString("  APIKey: [REDACTED],\n")
	fmt.Fprintf(&sb, "  MailboxQuota: %d,\n", c.MailboxQuota)
	fmt.Fprintf(&sb, "  DoveadmAPIHost: %q,\n", c.DoveadmAPIHost)
	sb.WriteString("  DoveadmAPIKey: [REDACTED],\n")
	fmt.Fprintf(&sb, "  ACLBatchSize: %d,\n", c.ACLBatchSize)
	fmt.Fprintf(&sb, "  Folders: {Inbox: %q, Sent: %q, SharedPrefix: %q},\n", c.InboxFolder, c.SentFolder, c.SharedFolderPrefix)
	fmt.Fprintf(&sb, "  MaxInactiveCount: %d,\n", c.MaxInactiveCount)
	fmt.Fprintf(&sb, "  MaxLDAPRetryCount: %d,\n", c.MaxLDAPRetryCount)
	fmt.Fprintf(&sb, "  SyncInterval: %s,\n", c.SyncInterval)
	fmt.Fprintf(&sb, "  Workers: %d,\n", c.Workers)
	fmt.Fprintf(&sb, "  StoreDriver: %q,\n", c.StoreDriver)
	fmt.Fprintf(&sb, "  DataDir: %q,\n", c.DataDir)
	if c.DatabaseDSN != "" {
		sb.WriteString("  DatabaseDSN: [REDACTED],\n")
	}
	fmt.Fprintf(&sb, "  CacheDriver: %q,\n", c.CacheDriver)
	fmt.Fprintf(&sb, "  CacheAddr: %q,\n", c.CacheAddr)
	if c.CachePassword != "" {
		sb.WriteString("  CachePassword: [REDACTED],\n")
	}
	fmt.Fprintf(&sb, "  MemberCacheTTL: %s,\n", c.MemberCacheTTL)
	fmt.Fprintf(&sb, "  CacheMaxEntries: %d,\n", c.CacheMaxEntries)
	fmt.Fprintf(&sb, "  TemplatesEnabled: %v,\n", c.TemplatesEnabled)
	fmt.Fprintf(&sb, "  TemplatesDir: %q,\n", c.TemplatesDir)
	fmt.Fprintf(&sb, "  ConfigDir: %q,\n", c.ConfigDir)
	fmt.Fprintf(&sb, "  StatusListenAddr: %q,\n", c.StatusListenAddr)
	fmt.Fprintf(&sb, "  HTTP: {Timeout: %s, MaxResponseBytes: %d, SSRFMode: %q, InsecureSkipVerify: %v},\n",
		c.HTTPTimeout, c.HTTPMaxResponseBytes, c.HTTPSSRFMode, c.HTTPInsecureSkipTLS)
	fmt.Fprintf(&sb, "  LogLevel: %q,\n", c.LogLevel)
	sb.WriteString("}")
	return sb.String()
}
