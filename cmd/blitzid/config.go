package main

import (
	"flag"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"blitzi/internal/backup"
)

// defaultFederation is the E-Cash Club federation.
const defaultFederation = "fed11qgqzggnhwden5te0v9cxjtn9vd3jue3wvfkxjmnyva6kzunyd9skutnwv46z7qqpyzhv5mxgpl79xz7j649sj6qldmde5s2uxchy4uh7840qgymsqmazzp6sn43"

type config struct {
	DataDir     string
	Federation  string
	BearerToken string
	Host        string
	Port        int
	Network     *chaincfg.Params

	SettleAfter time.Duration
	AlbyToken   string

	MaxWaits    int
	RateLimit   bool
	CORSOrigins []string

	BackupDir      string
	BackupS3       *backup.S3Config
	BackupInterval time.Duration
	BackupKeep     int
	// Restore names the snapshot to restore, or "latest".
	Restore string

	ShowStats bool
}

// Addr is the listen address.
func (c *config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// loadConfig parses flags, falling back to environment variables for
// anything not given on the command line.
func loadConfig(args []string, getenv func(string) string) (*config, error) {
	fs := flag.NewFlagSet("blitzid", flag.ContinueOnError)

	envPort, err := envInt(getenv, "BLITZID_PORT", 3000)
	if err != nil {
		return nil, err
	}
	envSettle, err := envDuration(getenv, "BLITZID_DEVFED_SETTLE_AFTER", 0)
	if err != nil {
		return nil, err
	}
	envWaits, err := envInt(getenv, "BLITZID_MAX_WAITS", 8)
	if err != nil {
		return nil, err
	}

	dataDir := fs.String("datadir", envOr(getenv, "BLITZID_DATADIR", defaultDataDir(getenv)), "Directory holding the wallet database")
	federation := fs.String("federation", envOr(getenv, "BLITZID_FEDERATION", defaultFederation), "Invite code of the federation to join (ignored once joined)")
	token := fs.String("bearer-token", getenv("BLITZID_BEARER_TOKEN"), "API bearer token (generated if empty)")
	host := fs.String("host", envOr(getenv, "BLITZID_HOST", "0.0.0.0"), "HTTP bind host")
	port := fs.Int("port", envPort, "HTTP bind port")
	network := fs.String("network", envOr(getenv, "BLITZID_NETWORK", "regtest"), "Bitcoin network: bitcoin, testnet, signet or regtest")
	settleAfter := fs.Duration("settle-after", envSettle, "Development federation: pay every issued invoice after this delay (0 disables)")
	maxWaits := fs.Int("max-waits", envWaits, "Maximum concurrent blocking invoice status requests per client IP")
	rateLimit := fs.Bool("rate-limit", true, "Enable per-IP rate limiting")
	corsOrigins := fs.String("cors-origins", getenv("BLITZID_CORS_ORIGINS"), "Comma-separated list of allowed CORS origins (* for any, empty disables CORS)")
	backupDir := fs.String("backup-dir", "", "Directory for database snapshots")
	backupInterval := fs.Duration("backup-interval", time.Hour, "Interval between database snapshots")
	backupKeep := fs.Int("backup-keep", 24, "Number of snapshots to keep (0 keeps all)")
	restore := fs.String("restore", "", "Restore the named snapshot (or \"latest\") into an empty data directory and exit")
	showStats := fs.Bool("stats", false, "Show operation statistics and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	params, err := networkParams(*network)
	if err != nil {
		return nil, err
	}
	if *port <= 0 || *port > 65535 {
		return nil, fmt.Errorf("invalid port %d", *port)
	}
	if *maxWaits <= 0 {
		return nil, fmt.Errorf("max-waits must be positive, got %d", *maxWaits)
	}
	if *backupInterval <= 0 {
		return nil, fmt.Errorf("backup-interval must be positive, got %s", *backupInterval)
	}

	cfg := &config{
		DataDir:        *dataDir,
		Federation:     strings.TrimSpace(*federation),
		BearerToken:    *token,
		Host:           *host,
		Port:           *port,
		Network:        params,
		SettleAfter:    *settleAfter,
		AlbyToken:      getenv("BLITZID_DEVFED_ALBY_TOKEN"),
		MaxWaits:       *maxWaits,
		RateLimit:      *rateLimit,
		CORSOrigins:    splitList(*corsOrigins),
		BackupDir:      *backupDir,
		BackupInterval: *backupInterval,
		BackupKeep:     *backupKeep,
		Restore:        strings.TrimSpace(*restore),
		ShowStats:      *showStats,
	}

	if bucket := getenv("BACKUP_S3_BUCKET"); bucket != "" {
		cfg.BackupS3 = &backup.S3Config{
			Endpoint:  envOr(getenv, "BACKUP_S3_ENDPOINT", "s3.amazonaws.com"),
			AccessKey: getenv("BACKUP_S3_ACCESS_KEY"),
			SecretKey: getenv("BACKUP_S3_SECRET_KEY"),
			Bucket:    bucket,
			Prefix:    getenv("BACKUP_S3_PREFIX"),
			Region:    getenv("BACKUP_S3_REGION"),
			Insecure:  getenv("BACKUP_S3_INSECURE") == "true",
		}
	}
	if cfg.BackupS3 != nil && cfg.BackupDir != "" {
		return nil, fmt.Errorf("backup-dir and BACKUP_S3_BUCKET are mutually exclusive")
	}
	if cfg.Restore != "" {
		if cfg.BackupS3 == nil && cfg.BackupDir == "" {
			return nil, fmt.Errorf("restore needs backup-dir or BACKUP_S3_BUCKET")
		}
		if cfg.ShowStats {
			return nil, fmt.Errorf("restore and stats are mutually exclusive")
		}
	}

	return cfg, nil
}

func networkParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "bitcoin", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("unknown network %q", name)
}

// defaultDataDir follows the XDG base directory layout.
func defaultDataDir(getenv func(string) string) string {
	base := getenv("XDG_DATA_HOME")
	if base == "" {
		base = filepath.Join(getenv("HOME"), ".local", "share")
	}
	return filepath.Join(base, "fedimint", "default")
}

func envOr(getenv func(string) string, key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(getenv func(string) string, key string, def int) (int, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(getenv func(string) string, key string, def time.Duration) (time.Duration, error) {
	v := getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
