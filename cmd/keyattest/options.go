package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kacy/key-attestation/badger"
	"github.com/kacy/key-attestation/chain"
	"github.com/kacy/key-attestation/internal/config"
	"github.com/kacy/key-attestation/internal/logger"
	"github.com/kacy/key-attestation/internal/output"
	"github.com/kacy/key-attestation/redis"
	"github.com/kacy/key-attestation/revocation"
)

func (g *globalOptions) format() output.Format {
	if g.json {
		return output.FormatJSON
	}
	return output.FormatText
}

// loadConfig reads --config, or returns an empty configuration.
func (g *globalOptions) loadConfig() (*config.Config, error) {
	if g.configPath == "" {
		return &config.Config{}, nil
	}
	return config.Load(g.configPath)
}

// newLogger logs warnings and errors only, unless debug is set.
func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return logger.NewLogger(&logger.LoggerConfig{Debug: true})
	}
	return logger.NewLogger(&logger.LoggerConfig{}, zap.IncreaseLevel(zapcore.WarnLevel))
}

// storeOptions selects a revocation source from flags.
type storeOptions struct {
	mode          string
	statusList    string
	redisAddr     string
	redisPassword string
	redisDB       int
	redisKey      string
	badgerDir     string
}

func (o *storeOptions) register(fs *pflag.FlagSet) {
	fs.StringVar(&o.mode, "revocation-mode", "", "Lookup failure handling: hard-fail or soft-fail")
	fs.StringVar(&o.statusList, "revocation-list", "", "Status list JSON file")
	fs.StringVar(&o.redisAddr, "redis-addr", "", "Redis address holding the status list")
	fs.StringVar(&o.redisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&o.redisDB, "redis-db", 0, "Redis database number")
	fs.StringVar(&o.redisKey, "redis-key", "", "Redis hash holding the status list (default attest:revocation)")
	fs.StringVar(&o.badgerDir, "badger-dir", "", "Badger database directory holding the status list")
}

// apply overlays the flags onto cfg. A source given on the command line
// replaces every source from the configuration file.
func (o *storeOptions) apply(cfg *config.Config) {
	if o.mode != "" {
		cfg.Revocation.Mode = o.mode
	}
	if o.statusList == "" && o.redisAddr == "" && o.badgerDir == "" {
		return
	}
	cfg.Revocation.StatusList = o.statusList
	cfg.Revocation.Redis = nil
	cfg.Revocation.Badger = nil
	if o.redisAddr != "" {
		cfg.Revocation.Redis = &config.RedisConfig{
			Address:  o.redisAddr,
			Password: o.redisPassword,
			DB:       o.redisDB,
			Key:      o.redisKey,
		}
	}
	if o.badgerDir != "" {
		cfg.Revocation.Badger = &config.BadgerConfig{Path: o.badgerDir}
	}
}

// openRevocation opens the configured status source. With no source every
// serial is accepted.
func openRevocation(ctx context.Context, cfg config.RevocationConfig, log *zap.Logger) (revocation.Store, func() error, error) {
	noop := func() error { return nil }

	switch {
	case cfg.StatusList != "":
		f, err := os.Open(cfg.StatusList)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open status list: %w", err)
		}
		defer f.Close()
		store, err := revocation.ParseStatusList(f)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", cfg.StatusList, err)
		}
		log.Debug("status list loaded", zap.String("path", cfg.StatusList), zap.Int("entries", store.Len()))
		return store, noop, nil

	case cfg.Redis != nil:
		client, err := redis.Connect(ctx, redis.ConnConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		store, err := redis.NewRevocationStore(redis.RevocationStoreConfig{
			Client: redis.FromGoRedis(client),
			Key:    cfg.Redis.Key,
			Logger: log,
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, client.Close, nil

	case cfg.Badger != nil:
		store, err := badger.Open(badger.Config{
			Path:       cfg.Badger.Path,
			GCInterval: cfg.Badger.GCInterval,
			Logger:     log,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}

	log.Warn("no revocation source configured, revocation is not checked")
	return revocation.NewMemoryStore(), noop, nil
}

// loadAnchors reads every trust anchor PEM file.
func loadAnchors(paths []string) ([]chain.TrustAnchor, error) {
	var anchors []chain.TrustAnchor
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read trust anchors: %w", err)
		}
		parsed, err := chain.ParseAnchorsPEM(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		anchors = append(anchors, parsed...)
	}
	return anchors, nil
}

// readInput reads path, or stdin when path is "-".
func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func sourceName(path string) string {
	if path == "-" {
		return "stdin"
	}
	return path
}
