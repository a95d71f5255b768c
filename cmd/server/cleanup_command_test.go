package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/levitate/musicgen/internal/config"
	"github.com/levitate/musicgen/internal/model"
	"github.com/levitate/musicgen/internal/storage"
)

func cleanupContext(t *testing.T, dataDir string) *commandContext {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := &config.Config{}
	cfg.Storage.DataDir = dataDir
	cfg.Redis.Addr = mr.Addr()
	cfg.Jobs.Store = "redis"
	return &commandContext{dataDir: dataDir, cfg: cfg, log: zerolog.Nop()}
}

func runCleanup(t *testing.T, cc *commandContext, args ...string) (string, error) {
	t.Helper()
	cmd := newCleanupCommand(cc)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCleanup_RefusesWhileServerHoldsDataDir(t *testing.T) {
	dir := t.TempDir()
	running, err := storage.Open(context.Background(), dir, zerolog.Nop())
	require.NoError(t, err)
	defer running.Close()

	_, err = runCleanup(t, cleanupContext(t, dir))
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrLocked)
	assert.Contains(t, err.Error(), "stop the server")
}

func TestCleanup_RemovesOldAssetsAndResults(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	assets, err := storage.Open(ctx, dir, zerolog.Nop())
	require.NoError(t, err)
	asset, err := assets.Put(ctx, []byte("audio"), model.AssetMetadata{
		Filename: "melody.wav", Format: model.FormatWAV, Duration: 1, SampleRate: 16000, Channels: 1,
	})
	require.NoError(t, err)
	loc, err := assets.PutResult(ctx, "job-1", asset.ID, []byte("wav"))
	require.NoError(t, err)
	require.NoError(t, assets.Close())

	// The job record is gone, as after a restart with an in-memory store.
	out, err := runCleanup(t, cleanupContext(t, dir), "--older-than", "-1s")
	require.NoError(t, err)
	assert.Contains(t, out, "Removed 1 assets")

	reopened, err := storage.Open(ctx, dir, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()
	_, err = reopened.GetMetadata(ctx, asset.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = reopened.GetResult(ctx, loc)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
