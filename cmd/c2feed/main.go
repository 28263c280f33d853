// Command c2feed publishes C2 scanner results as a MISP feed.
package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gustycube/c2feed/internal/config"
	"github.com/gustycube/c2feed/internal/feed"
	"github.com/gustycube/c2feed/internal/ingest"
	"github.com/gustycube/c2feed/internal/logging"
	"github.com/gustycube/c2feed/internal/misp"
	"github.com/gustycube/c2feed/internal/store"
)

var version = "dev"

var (
	configFile    string
	listen        string
	upstreamURL   string
	redisAddr     string
	metricsAddr   string
	logLevel      string
	pollInterval  int
	flushInterval int
	templatesDir  string
	hashAlgorithm string
	skipMalformed bool
	otelEndpoint  string
	otelInsecure  bool
)

var rootCmd = &cobra.Command{
	Use:   "c2feed",
	Short: "Publish C2 scanner results as a MISP feed",
	Long: `c2feed polls a C2 scanner API, groups the indicators into one MISP event
per day and serves manifest.json, hashes.csv and the event documents to MISP
instances.

Environment:
  REDIS_ADDR, REDIS_PASSWORD, REDIS_DB   backing store
  C2_API_URL, C2_API_KEY                 upstream scanner API
  MISP_FEED_API_KEY                      secret required by feed readers
  LOG_LEVEL                              debug, info, warn or error`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "c2feed %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "Built with Go %s\n", strings.TrimPrefix(runtime.Version(), "go"))
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "path to config file (YAML or JSON)")
	pf.StringVar(&redisAddr, "redis_addr", "", "Redis address")
	pf.StringVar(&logLevel, "log_level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&templatesDir, "templates_dir", "", "directory of extra MISP object templates")
	pf.StringVar(&hashAlgorithm, "hash_algorithm", "", "hashes.csv digest (md5, xxhash)")
	pf.BoolVar(&skipMalformed, "skip_malformed", false, "skip malformed upstream records instead of aborting the run")

	rootCmd.AddCommand(serveCmd, ingestCmd, rebuildCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves file, environment and flags, in that order of
// precedence from lowest to highest. The result is not validated.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = &config.Config{}
		cfg.SetDefaults()
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	flags := map[string]interface{}{
		"listen":             listen,
		"upstream_url":       upstreamURL,
		"redis_addr":         redisAddr,
		"metrics_addr":       metricsAddr,
		"log_level":          logLevel,
		"poll_interval_sec":  pollInterval,
		"flush_interval_sec": flushInterval,
		"templates_dir":      templatesDir,
		"hash_algorithm":     hashAlgorithm,
		"skip_malformed":     skipMalformed,
		"otel_endpoint":      otelEndpoint,
		"otel_insecure":      otelInsecure,
	}
	cfg.MergeWithFlags(flags)
	return cfg, nil
}

func storeKeys(cfg *config.Config) store.Keys {
	return store.Keys{Manifest: cfg.ManifestKey, EventPrefix: cfg.EventPrefixKey, Hashes: cfg.HashesKey}
}

func dialStore(ctx context.Context, cfg *config.Config, log *logging.Logger) (*store.Redis, error) {
	st, err := store.Dial(ctx, store.RedisOptions{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		Timeout:     cfg.RedisTimeout(),
		ConnectWait: cfg.RedisConnectWait(),
	})
	if err != nil {
		return nil, err
	}
	log.Infow("connected to redis", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
	return st, nil
}

// buildFeed wires the generator and the ingestion pipeline on top of st.
func buildFeed(cfg *config.Config, st store.Store, log *logging.Logger) (*feed.Generator, *ingest.Pipeline, error) {
	templates, err := misp.LoadTemplates(cfg.TemplatesDir)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := templates[cfg.ObjectTemplate]; !ok {
		log.Warnw("object template not loaded, records will be skipped", "template", cfg.ObjectTemplate)
	}
	digest, err := feed.DigestByName(cfg.HashAlgorithm)
	if err != nil {
		return nil, nil, err
	}

	gen := feed.NewGenerator(feed.Options{
		Store:   st,
		Keys:    storeKeys(cfg),
		Objects: misp.NewRegistry(templates, time.Now),
		Meta: feed.EventMeta{
			DailyEventName: cfg.DailyEventName,
			Org:            cfg.Org(),
			Tags:           cfg.EventTags,
			Analysis:       *cfg.Analysis,
			ThreatLevelID:  cfg.ThreatLevelID,
			Published:      *cfg.Published,
		},
		Digest:        digest,
		FlushInterval: cfg.FlushInterval(),
		Log:           log,
	})
	pipeline := ingest.New(gen, st, ingest.Options{
		Template:      cfg.ObjectTemplate,
		ObjectTags:    cfg.ObjectTags,
		MaxAge:        cfg.MaxRecordAge(),
		SkipMalformed: cfg.SkipMalformed,
		Log:           log,
	})
	return gen, pipeline, nil
}
