package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/livestore/internal/config"
	"github.com/devrev/livestore/internal/value"
	"github.com/devrev/livestore/pkg/livestore"
)

const replayConfig = `
name: replay
commit_log:
  backend: file
  dir: %DIR%
schema:
  - name: Note
    properties:
      - name: text
        type: string
`

func TestReplay_PrintsCommittedVersions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.ReplaceAll(replayConfig, "%DIR%", filepath.Join(dir, "log"))), 0644))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	opts, err := livestore.OptionsFromConfig(cfg, zap.NewNop(), nil)
	require.NoError(t, err)
	store, err := livestore.Open(context.Background(), opts)
	require.NoError(t, err)
	for _, text := range []string{"a", "b"} {
		_, err := store.Write(context.Background(), func(ctx context.Context, tx *livestore.WriteTx) error {
			_, err := tx.Create("Note", map[string]value.Value{"text": value.String(text)})
			return err
		})
		require.NoError(t, err)
	}
	_, err = store.Write(context.Background(), func(ctx context.Context, tx *livestore.WriteTx) error {
		_, err := tx.DeleteAll("Note")
		return err
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"replay", "--config", path, "--summary", "--from", "2"})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		replayFrom, replaySummary = 0, false
	})
	require.NoError(t, rootCmd.Execute())

	var lines []replaySummaryLine
	dec := json.NewDecoder(&out)
	for dec.More() {
		var l replaySummaryLine
		require.NoError(t, dec.Decode(&l))
		lines = append(lines, l)
	}
	assert.Equal(t, []replaySummaryLine{
		{Version: 2, Puts: 1},
		{Version: 3, Deletes: 2},
	}, lines)
}

func TestReplay_NoCommitLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: empty\nschema:\n  - name: Note\n"), 0644))

	rootCmd.SetArgs([]string{"replay", "--config", path})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	assert.ErrorContains(t, err, "no commit log")
}
