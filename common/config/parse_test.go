package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

type testConfig struct {
	Name  string `yaml:"name" validate:"nonzero"`
	Count int    `yaml:"count" validate:"min=1"`
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	assert.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParseSingleFile(t *testing.T) {
	path := writeFile(t, "a.yaml", "name: alpha\ncount: 3\n")

	var cfg testConfig
	assert.NoError(t, Parse(&cfg, path))
	assert.Equal(t, "alpha", cfg.Name)
	assert.Equal(t, 3, cfg.Count)
}

func TestParseMergesInOrder(t *testing.T) {
	base := writeFile(t, "base.yaml", "name: alpha\ncount: 3\n")
	override := writeFile(t, "override.yaml", "count: 7\n")

	var cfg testConfig
	assert.NoError(t, Parse(&cfg, base, override))
	assert.Equal(t, "alpha", cfg.Name)
	assert.Equal(t, 7, cfg.Count)
}

func TestParseNoFiles(t *testing.T) {
	var cfg testConfig
	assert.Error(t, Parse(&cfg))
}

func TestParseValidationFailure(t *testing.T) {
	path := writeFile(t, "bad.yaml", "count: 0\n")

	var cfg testConfig
	err := Parse(&cfg, path)
	assert.Error(t, err)
	verr, ok := err.(ValidationError)
	assert.True(t, ok)
	assert.Error(t, verr.ErrForField("Name"))
}

func TestParseMissingFile(t *testing.T) {
	var cfg testConfig
	assert.Error(t, Parse(&cfg, "/does/not/exist.yaml"))
}
