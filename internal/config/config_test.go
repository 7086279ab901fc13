package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/segin/efgrabber/internal/grabber"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "sqlite", cfg.DB.Driver)
	require.Equal(t, "efgrabber.db", cfg.DB.Path)
	require.Equal(t, 300, cfg.HTTP.DownloadTimeoutSeconds)
	require.Equal(t, 60, cfg.HTTP.PageTimeoutSeconds)
	require.Equal(t, grabber.RequiredCookie, cfg.HTTP.Cookie)
	require.Equal(t, 500, cfg.Downloads.MaxPool)
	require.Equal(t, 3, cfg.Downloads.MaxRetries)
	require.Equal(t, 30, cfg.Scrape.MaxConcurrent)
	require.False(t, cfg.PubSub.Enabled)
}

func TestLoad_FileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
storage:
  root: /tmp/corpus
downloads:
  max_concurrent: 2
  max_pool: 16
data_sets:
  - id: 11
    name: Custom Eleven
    base_url: https://example.com/data-set-11-files
    file_url_base: https://example.com/files/DataSet%2011/
    key_prefix: EFTA
    first_id: 100
    last_id: 200
    max_page_index: -1
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/corpus", cfg.Storage.Root)
	require.Equal(t, 2, cfg.Downloads.MaxConcurrent)

	ds, err := cfg.DataSet(11)
	require.NoError(t, err)
	require.Equal(t, "Custom Eleven", ds.Name)
	require.Equal(t, uint64(100), ds.FirstID)
}

func TestDataSet_CatalogFallback(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	ds, err := cfg.DataSet(11)
	require.NoError(t, err)
	require.Equal(t, "EFTA", ds.KeyPrefix)
	require.Equal(t, uint64(2205655), ds.FirstID)

	_, err = cfg.DataSet(99)
	require.ErrorIs(t, err, grabber.ErrConfig)
}

func TestValidate_Rejections(t *testing.T) {
	base := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.DB.Driver = "oracle"
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Downloads.MaxConcurrent = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Downloads.MaxPool = 1
	cfg.Downloads.MaxConcurrent = 8
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.PubSub.Enabled = true
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.DataSets = []grabber.DataSetConfig{{ID: 3, KeyPrefix: ""}}
	require.Error(t, cfg.Validate())
}
