// Package main is the entrypoint for ldapmailsync.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/MahdiBaghbani/ldapmailsync/internal/directory"
	"github.com/MahdiBaghbani/ldapmailsync/internal/doveadm"
	"github.com/MahdiBaghbani/ldapmailsync/internal/mailcow"
	"github.com/MahdiBaghbani/ldapmailsync/internal/metrics"
	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/cache"
	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/config"
	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/http/auth"
	httpclient "github.com/MahdiBaghbani/ldapmailsync/internal/platform/http/client"
	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/http/server"
	"github.com/MahdiBaghbani/ldapmailsync/internal/platform/logutil"
	"github.com/MahdiBaghbani/ldapmailsync/internal/reconcile"
	"github.com/MahdiBaghbani/ldapmailsync/internal/runner"
	"github.com/MahdiBaghbani/ldapmailsync/internal/store"
	"github.com/MahdiBaghbani/ldapmailsync/internal/templates"

	// Register cache drivers
	_ "github.com/MahdiBaghbani/ldapmailsync/internal/platform/cache/loader"

	// Register store drivers
	_ "github.com/MahdiBaghbani/ldapmailsync/internal/store/json"
	_ "github.com/MahdiBaghbani/ldapmailsync/internal/store/postgres"
	_ "github.com/MahdiBaghbani/ldapmailsync/internal/store/sqlite"
)

type options struct {
	configPath string
	once       bool
	daemon     bool
	hashKey    bool
}

func main() {
	flags := pflag.NewFlagSet("ldapmailsync", pflag.ContinueOnError)
	var opts options
	flags.StringVarP(&opts.configPath, "config", "c", "", "path to TOML config file (optional; the environment overrides it)")
	flags.BoolVar(&opts.once, "once", true, "run one cycle and exit")
	flags.BoolVar(&opts.daemon, "daemon", false, "run a cycle every SYNC_INTERVAL until interrupted (default: one cycle)")
	flags.BoolVar(&opts.hashKey, "hash-api-key", false, "read an API key from stdin and print its STATUS_API_KEY_HASH")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	if opts.daemon && flags.Changed("once") && opts.once {
		fmt.Fprintln(os.Stderr, "--once and --daemon are mutually exclusive")
		os.Exit(2)
	}

	if opts.hashKey {
		if err := hashAPIKey(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	// Bootstrap logger for config loading errors (uses default level)
	bootstrapLogger := logutil.New(os.Stdout, "info")

	cfg, err := config.Load(config.LoaderOptions{
		ConfigPath: opts.configPath,
		Logger:     bootstrapLogger,
	})
	if err != nil {
		bootstrapLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logutil.New(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)
	logger.Info("effective configuration", "config", cfg.Redacted())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("ldapmailsync failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) error {
	if cfg.TemplatesEnabled {
		mgr := templates.NewManager(cfg.TemplatesDir, cfg.ConfigDir, logger)
		if _, err := mgr.Apply(templates.ValuesFromConfig(cfg)); err != nil {
			return fmt.Errorf("apply config templates: %w", err)
		}
	}

	st, err := store.New(&store.DriverConfig{
		Driver:  cfg.StoreDriver,
		DataDir: cfg.DataDir,
		DSN:     cfg.DatabaseDSN,
	})
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}
	if err := st.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer st.Close()

	memberCache, err := cache.New(cfg.CacheDriver, cacheConfig(cfg))
	if err != nil {
		return fmt.Errorf("create cache: %w", err)
	}
	defer memberCache.Close()

	hopts := httpclient.DefaultOptions()
	hopts.Timeout = cfg.HTTPTimeout
	hopts.MaxResponseBytes = cfg.HTTPMaxResponseBytes
	hopts.SSRFMode = cfg.HTTPSSRFMode
	hopts.InsecureSkipVerify = cfg.HTTPInsecureSkipTLS
	hc := httpclient.New(hopts)

	mailboxes := mailcow.New(cfg.APIHost, cfg.APIKey, hc, logger)
	acl := doveadm.New(cfg.DoveadmAPIHost, cfg.DoveadmAPIKey, hc, logger)

	dir := directory.NewRedialer(directory.Config{
		URI:          cfg.LDAPURI,
		BindDN:       cfg.LDAPBindDN,
		BindPassword: cfg.LDAPBindPassword,
	}, logger)
	defer dir.Close()
	resolver := directory.NewResolver(dir, memberCache, cfg.MemberCacheTTL, logger)

	engine := reconcile.New(st, mailboxes, acl, resolver, reconcile.Config{
		InactiveThreshold:  cfg.MaxInactiveCount,
		MailboxQuotaMiB:    cfg.MailboxQuota,
		ACLBatchSize:       cfg.ACLBatchSize,
		InboxFolder:        cfg.InboxFolder,
		SentFolder:         cfg.SentFolder,
		SharedFolderPrefix: cfg.SharedFolderPrefix,
		Workers:            cfg.Workers,
	}, logger)
	if err := engine.Prime(ctx); err != nil {
		return fmt.Errorf("prime epoch source: %w", err)
	}

	m := metrics.New()
	r := runner.New(runner.Config{
		Fetch: func(ctx context.Context) ([]directory.Entry, error) {
			return directory.FetchSnapshot(ctx, dir, directory.SnapshotOptions{
				BaseDN:      cfg.LDAPBaseDN,
				Filter:      cfg.LDAPFilter,
				MaxAttempts: cfg.MaxLDAPRetryCount,
				Logger:      logger,
			})
		},
		Engine:   engine,
		Observer: m,
		Interval: cfg.SyncInterval,
	}, logger)

	if !opts.daemon {
		rep, err := r.RunOnce(ctx)
		if err != nil {
			return err
		}
		if !rep.OK() {
			logger.Warn("cycle finished with entity errors", "run_id", rep.RunID, "errors", len(rep.Errors))
		}
		return nil
	}

	if cfg.StatusListenAddr != "" {
		srv, err := server.New(server.Config{
			ListenAddr: cfg.StatusListenAddr,
			APIKeyHash: cfg.StatusAPIKeyHash,
			Runner:     r,
			Metrics:    m.Handler(),
		}, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := srv.Start(); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("status server shutdown", "error", err)
			}
		}()
	}

	return r.Loop(ctx)
}

func cacheConfig(cfg *config.Config) map[string]any {
	ttl := int(cfg.MemberCacheTTL / time.Second)
	switch cfg.CacheDriver {
	case "valkey":
		return map[string]any{
			"addr":                cfg.CacheAddr,
			"password":            cfg.CachePassword,
			"default_ttl_seconds": ttl,
		}
	default:
		return map[string]any{
			"default_ttl_seconds": ttl,
			"max_entries":         cfg.CacheMaxEntries,
		}
	}
}

func hashAPIKey() error {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read api key: %w", err)
	}
	hash, err := auth.HashAPIKey(strings.TrimRight(line, "\r\n"))
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
