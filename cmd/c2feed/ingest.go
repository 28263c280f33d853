package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gustycube/c2feed/internal/ingest"
	"github.com/gustycube/c2feed/internal/logging"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Ingest a saved scanner API response once",
	Long: `Ingest reads a JSON document in the scanner API response format (an object
keyed by host or IP) and adds its records to today's batch, exactly like one
poll cycle.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

var rebuildCmd = &cobra.Command{
	Use:   "rebuild-manifest",
	Short: "Recreate manifest.json from the stored event documents",
	Args:  cobra.NoArgs,
	RunE:  runRebuild,
}

func readPull(path string) (map[string]ingest.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	dec.UseNumber()
	var pull map[string]ingest.Record
	if err := dec.Decode(&pull); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return pull, nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	pull, err := readPull(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	st, err := dialStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	gen, pipeline, err := buildFeed(cfg, st, log)
	if err != nil {
		return err
	}
	if err := gen.Open(ctx); err != nil {
		return err
	}
	stats, err := pipeline.Run(ctx, pull)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "added %d, stale %d, duplicate %d, malformed %d, skipped %d\n",
		stats.Added, stats.Stale, stats.Duplicate, stats.Malformed, stats.Skipped)
	return nil
}

func runRebuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx := cmd.Context()
	st, err := dialStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	gen, _, err := buildFeed(cfg, st, log)
	if err != nil {
		return err
	}
	m := gen.Manifest()
	if err := m.Rebuild(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "manifest rebuilt with %d events\n", m.Len())
	return nil
}
