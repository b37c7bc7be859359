package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const baseConfig = `
name: people
commit_log:
  backend: file
  dir: /tmp/livestore
logging:
  level: debug
schema:
  - name: Person
    primary_key: email
    properties:
      - {name: email, type: string}
      - {name: age, type: int}
      - {name: dog, type: object, target: Dog}
      - {name: tags, type: string, collection: set}
  - name: Dog
    properties:
      - {name: name, type: string}
    backlinks:
      - {name: owners, source_class: Person, source_property: dog}
`

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(baseConfig))
	require.NoError(t, err)

	assert.Equal(t, "people", cfg.Name)
	assert.Equal(t, "file", cfg.CommitLog.Backend)
	assert.Equal(t, int64(64<<20), cfg.CommitLog.SegmentSize)
	assert.Equal(t, 1024, cfg.Store.WriteQueueSize)
	assert.Equal(t, 30*time.Second, cfg.Store.ReclaimInterval)
	assert.Equal(t, 64, cfg.Notifier.BufferSize)
	assert.Equal(t, 4096, cfg.Cache.MaxEntries)
	assert.Equal(t, 0.5, cfg.Cache.FrequencyWeight)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	s, err := cfg.BuildSchema()
	require.NoError(t, err)
	person, ok := s.Class("Person")
	require.True(t, ok)
	assert.Equal(t, "email", person.PrimaryKey)
	assert.Equal(t, []string{"email", "age", "dog", "tags"}, person.FieldNames())
	dog, ok := s.Class("Dog")
	require.True(t, ok)
	_, ok = dog.Backlink("owners")
	assert.True(t, ok)
}

func TestBuildSchema_EmbeddedClass(t *testing.T) {
	cfg, err := Parse([]byte("schema:\n" +
		"  - {name: Address, embedded: true, properties: [{name: city, type: string}]}\n" +
		"  - {name: Person, properties: [{name: home, type: object, target: Address}]}\n"))
	require.NoError(t, err)
	s, err := cfg.BuildSchema()
	require.NoError(t, err)

	address, ok := s.Class("Address")
	require.True(t, ok)
	assert.True(t, address.Embedded)
	person, ok := s.Class("Person")
	require.True(t, ok)
	home, ok := person.Property("home")
	require.True(t, ok)
	assert.True(t, s.Owns(home))
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "no schema",
			yaml: "name: x\n",
		},
		{
			name: "unknown backend",
			yaml: "commit_log: {backend: tape, dir: /tmp}\nschema: [{name: A}]\n",
		},
		{
			name: "backend without dir",
			yaml: "commit_log: {backend: sqlite}\nschema: [{name: A}]\n",
		},
		{
			name: "unknown property type",
			yaml: "schema: [{name: A, properties: [{name: x, type: decimal}]}]\n",
		},
		{
			name: "link without target",
			yaml: "schema: [{name: A, properties: [{name: x, type: object}]}]\n",
		},
		{
			name: "link to unknown class",
			yaml: "schema: [{name: A, properties: [{name: x, type: object, target: B}]}]\n",
		},
		{
			name: "bad log level",
			yaml: "logging: {level: loud}\nschema: [{name: A}]\n",
		},
		{
			name: "clashing ports",
			yaml: "server: {enabled: true, port: 9000}\nmetrics: {enabled: true, port: 9000}\nschema: [{name: A}]\n",
		},
		{
			name: "embedded class with primary key",
			yaml: "schema: [{name: A, embedded: true, primary_key: x, properties: [{name: x, type: int}]}]\n",
		},
		{
			name: "embedded class in a set",
			yaml: "schema: [{name: A, embedded: true}, {name: B, properties: [{name: x, type: object, target: A, collection: set}]}]\n",
		},
		{
			name: "not yaml",
			yaml: "schema: [",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "livestore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(baseConfig), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	levels := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, zap.NewNop(), func(cfg *Config) {
			levels <- cfg.Logging.Level
		})
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	// An invalid document is skipped.
	require.NoError(t, os.WriteFile(path, []byte("schema: ["), 0o644))
	time.Sleep(300 * time.Millisecond)

	updated := strings.Replace(baseConfig, "level: debug", "level: warn", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case level := <-levels:
		assert.Equal(t, "warn", level)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not observed")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
