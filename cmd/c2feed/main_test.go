package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustycube/c2feed/internal/config"
	"github.com/gustycube/c2feed/internal/logging"
	"github.com/gustycube/c2feed/internal/store"
)

func TestReadPull_KeepsNumbers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pull.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"192.0.2.1":{"port":443,"url":"https://192.0.2.1/"}}`), 0o644))

	pull, err := readPull(path)
	require.NoError(t, err)
	require.Contains(t, pull, "192.0.2.1")
	assert.Equal(t, json.Number("443"), pull["192.0.2.1"]["port"])
}

func TestReadPull_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pull.json")
	require.NoError(t, os.WriteFile(path, []byte(`[1,2]`), 0o644))
	_, err := readPull(path)
	assert.Error(t, err)
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c2feed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("redis_addr: file:6379\nlog_level: warn\n"), 0o644))

	configFile, redisAddr, logLevel = path, "flag:6379", ""
	t.Cleanup(func() { configFile, redisAddr, logLevel = "", "", "" })
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("LOG_LEVEL", "")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "flag:6379", cfg.RedisAddr)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "misp_c2_manifest", storeKeys(cfg).Manifest)
}

func TestBuildFeed(t *testing.T) {
	cfg := &config.Config{}
	cfg.SetDefaults()
	gen, pipeline, err := buildFeed(cfg, store.NewMemory(), logging.Nop())
	require.NoError(t, err)
	assert.NotNil(t, gen)
	assert.NotNil(t, pipeline)

	cfg.HashAlgorithm = "sha1"
	_, _, err = buildFeed(cfg, store.NewMemory(), logging.Nop())
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, out.String(), "c2feed "+version)
}
