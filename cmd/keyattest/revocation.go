package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kacy/key-attestation/badger"
	"github.com/kacy/key-attestation/internal/output"
	"github.com/kacy/key-attestation/redis"
	"github.com/kacy/key-attestation/revocation"
)

func newRevocationCmd(g *globalOptions) *cobra.Command {
	o := &storeOptions{}
	cmd := &cobra.Command{
		Use:   "revocation",
		Short: "Manage the revocation status list",
	}
	o.register(cmd.PersistentFlags())

	cmd.AddCommand(&cobra.Command{
		Use:   "import <status.json>",
		Short: "Import a status list into a Redis or Badger store",
		Long: `Import a status list in Google's JSON format into the store selected by
--redis-addr or --badger-dir. Existing entries for the same serials are
replaced; other entries are kept.`,
		Args:    cobra.ExactArgs(1),
		Example: `  keyattest revocation import --badger-dir /var/lib/keyattest status.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRevocationImport(cmd, g, o, args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the entries of the configured status source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRevocationList(cmd, g, o)
		},
	})
	return cmd
}

func openStore(cmd *cobra.Command, g *globalOptions, o *storeOptions) (revocation.Store, func() error, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	o.apply(cfg)
	if g.verbose {
		cfg.Logging.Debug = true
	}
	if err := cfg.Revocation.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := newLogger(cfg.Logging.Debug)
	if err != nil {
		return nil, nil, err
	}
	return openRevocation(cmd.Context(), cfg.Revocation, log)
}

func runRevocationImport(cmd *cobra.Command, g *globalOptions, o *storeOptions, path string) error {
	if o.redisAddr == "" && o.badgerDir == "" {
		return errors.New("import needs --redis-addr or --badger-dir")
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open status list: %w", err)
	}
	defer f.Close()
	entries, err := revocation.DecodeStatusList(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	store, closeStore, err := openStore(cmd, g, o)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	if err := store.Import(cmd.Context(), entries); err != nil {
		return fmt.Errorf("failed to import status list: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d entries\n", len(entries))
	return nil
}

func runRevocationList(cmd *cobra.Command, g *globalOptions, o *storeOptions) error {
	store, closeStore, err := openStore(cmd, g, o)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	entries, err := listEntries(cmd.Context(), store)
	if err != nil {
		return fmt.Errorf("failed to list status entries: %w", err)
	}
	out, err := output.FormatOutput(output.NewStatusListOutput(entries), g.format())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}

func listEntries(ctx context.Context, store revocation.Store) (map[string]revocation.Entry, error) {
	switch s := store.(type) {
	case *revocation.MemoryStore:
		return s.Entries(), nil
	case *redis.RevocationStore:
		return s.Entries(ctx)
	case *badger.RevocationStore:
		return s.Entries(ctx)
	default:
		return nil, fmt.Errorf("store %T cannot be listed", store)
	}
}
