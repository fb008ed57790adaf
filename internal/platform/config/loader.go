package config

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
)

// EnvPrefix is stripped from environment keys before decoding.
const EnvPrefix = "LDAP-MAILCOW_"

// unprefixedKeys are also read from the environment without EnvPrefix.
var unprefixedKeys = []string{"DOVEADM_API_KEY", "DOVEADM_API_HOST"}

// LoaderOptions holds options for loading configuration.
type LoaderOptions struct {
	// ConfigPath is the optional TOML file path.
	ConfigPath string

	// Environ replaces os.Environ() when non-nil.
	Environ []string

	// Logger receives warnings about unknown keys. Defaults to slog.Default().
	Logger *slog.Logger
}

// Load loads configuration with the following precedence:
//  1. Built-in defaults
//  2. TOML config file values (keys are the environment names in lower case)
//  3. Environment
//  4. Required key check and validation
//
// If ConfigPath is provided but the file is missing, unreadable, or invalid TOML,
// Load returns an error (fail fast). Unknown keys produce a warning but do not
// fail the load.
func Load(opts LoaderOptions) (*Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := Defaults()
	provided := make(map[string]bool)

	if opts.ConfigPath != "" {
		data, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigPath, err)
		}
		raw := make(map[string]any)
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", opts.ConfigPath, err)
		}
		input := make(map[string]any, len(raw))
		for k, v := range raw {
			input[strings.ToUpper(k)] = v
		}
		unused, err := decode(input, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to decode config file %s: %w", opts.ConfigPath, err)
		}
		if len(unused) > 0 {
			logger.Warn("config file contains undecoded keys", "path", opts.ConfigPath, "keys", unused)
		}
		markProvided(provided, input, unused)
	}

	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}
	input := envInput(environ)
	if _, err := decode(input, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}
	markProvided(provided, input, nil)

	if err := checkRequired(provided); err != nil {
		return nil, err
	}
	if provided["LDAP_FILTER"] != provided["SOGO_LDAP_FILTER"] {
		return nil, fmt.Errorf("%w: LDAP_FILTER and SOGO_LDAP_FILTER must be set together", ErrInvalidValue)
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// envInput collects configuration keys from environ. Prefixed keys win over
// their unprefixed form.
func envInput(environ []string) map[string]any {
	input := make(map[string]any)
	plain := make(map[string]string)
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if name, found := strings.CutPrefix(k, EnvPrefix); found && name != "" {
			input[name] = v
			continue
		}
		plain[k] = v
	}
	for _, k := range unprefixedKeys {
		if _, set := input[k]; set {
			continue
		}
		if v, ok := plain[k]; ok {
			input[k] = v
		}
	}
	return input
}

func markProvided(provided map[string]bool, input map[string]any, unused []string) {
	skip := make(map[string]bool, len(unused))
	for _, k := range unused {
		skip[k] = true
	}
	for k := range input {
		if !skip[k] {
			provided[k] = true
		}
	}
}

func checkRequired(provided map[string]bool) error {
	var missing []string
	for _, k := range RequiredKeys {
		if !provided[k] {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingKey, strings.Join(missing, ", "))
	}
	return nil
}

// decode overlays input onto cfg and returns the keys that matched no field.
func decode(input map[string]any, cfg *Config) ([]string, error) {
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Metadata:         &md,
		Result:           cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook:       durationHook,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(input); err != nil {
		return nil, err
	}
	unused := md.Unused
	sort.Strings(unused)
	return unused, nil
}

// durationHook accepts Go duration strings ("5m") and bare numbers of seconds.
func durationHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		s := strings.TrimSpace(v)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Duration(n) * time.Second, nil
		}
		return time.ParseDuration(s)
	case int64:
		return time.Duration(v) * time.Second, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	}
	return data, nil
}

var (
	validStoreDrivers = map[string]bool{"sqlite": true, "postgres": true, "json": true}
	validCacheDrivers = map[string]bool{"memory": true, "valkey": true}
	validSSRFModes    = map[string]bool{"off": true, "strict": true}
)

func validate(cfg *Config) error {
	switch {
	case cfg.MaxInactiveCount < 0:
		return fmt.Errorf("%w: MAX_INACTIVE_COUNT must not be negative", ErrInvalidValue)
	case cfg.MaxInactiveCount >= 255:
		return fmt.Errorf("%w: MAX_INACTIVE_COUNT must be below 255", ErrInvalidValue)
	case cfg.MaxLDAPRetryCount < 1:
		return fmt.Errorf("%w: MAX_LDAP_RETRY_COUNT must be at least 1", ErrInvalidValue)
	case cfg.ACLBatchSize < 1:
		return fmt.Errorf("%w: ACL_BATCH_SIZE must be positive", ErrInvalidValue)
	case cfg.MailboxQuota < 0:
		return fmt.Errorf("%w: MAILBOX_QUOTA must not be negative", ErrInvalidValue)
	case cfg.Workers < 1:
		return fmt.Errorf("%w: WORKERS must be at least 1", ErrInvalidValue)
	case cfg.SyncInterval <= 0:
		return fmt.Errorf("%w: SYNC_INTERVAL must be positive", ErrInvalidValue)
	case !validStoreDrivers[cfg.StoreDriver]:
		return fmt.Errorf("%w: unknown STORE_DRIVER %q", ErrInvalidValue, cfg.StoreDriver)
	case cfg.StoreDriver == "postgres" && cfg.DatabaseDSN == "":
		return fmt.Errorf("%w: DATABASE_DSN is required for the postgres store", ErrInvalidValue)
	case !validCacheDrivers[cfg.CacheDriver]:
		return fmt.Errorf("%w: unknown CACHE_DRIVER %q", ErrInvalidValue, cfg.CacheDriver)
	case cfg.CacheMaxEntries < 0:
		return fmt.Errorf("%w: CACHE_MAX_ENTRIES must not be negative", ErrInvalidValue)
	case cfg.CacheDriver == "valkey" && cfg.CacheAddr == "":
		return fmt.Errorf("%w: CACHE_ADDR is required for the valkey cache", ErrInvalidValue)
	case !validSSRFModes[cfg.HTTPSSRFMode]:
		return fmt.Errorf("%w: unknown HTTP_SSRF_MODE %q", ErrInvalidValue, cfg.HTTPSSRFMode)
	}
	return nil
}
