package openclaw

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patze/control/internal/security"
)

func newTargetStore(t *testing.T) (*TargetStore, *security.PathGuard) {
	t.Helper()
	g, err := security.NewPathGuard(t.TempDir())
	require.NoError(t, err)
	store, err := NewTargetStore(filepath.Join(g.Home(), ".patze-control", "cron"), g)
	require.NoError(t, err)
	return store, g
}

func TestTargetStoreCreateDefaults(t *testing.T) {
	store, g := newTargetStore(t)

	created, err := store.Create(Target{OpenClawDir: "~/.openclaw/prod"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, TargetLocal, created.Type)
	assert.Equal(t, OriginUser, created.Origin)
	assert.Equal(t, PurposeProduction, created.Purpose)
	assert.Equal(t, DefaultPollIntervalMs, created.PollIntervalMs)
	assert.Equal(t, filepath.Join(g.Home(), ".openclaw", "prod"), created.OpenClawDir)
	assert.Equal(t, "prod", created.Label, "label defaults to the directory base")
}

func TestTargetStoreRejectsDisallowedDir(t *testing.T) {
	store, _ := newTargetStore(t)

	for _, dir := range []string{"/etc/openclaw", "~/.ssh/x", "~/documents/oc", ""} {
		_, err := store.Create(Target{OpenClawDir: dir})
		assert.Error(t, err, dir)
	}
}

func TestSmokeTargetForcesTestPurpose(t *testing.T) {
	store, _ := newTargetStore(t)

	created, err := store.Create(Target{
		OpenClawDir: "~/.openclaw/smoke",
		Origin:      OriginSmoke,
		Purpose:     PurposeProduction,
	})
	require.NoError(t, err)
	assert.Equal(t, PurposeTest, created.Purpose)
}

func TestTargetStorePersistsAcrossReload(t *testing.T) {
	store, g := newTargetStore(t)

	created, err := store.Create(Target{OpenClawDir: "~/.openclaw/a", Enabled: true, PollIntervalMs: 5000})
	require.NoError(t, err)

	reloaded, err := NewTargetStore(filepath.Join(g.Home(), ".patze-control", "cron"), g)
	require.NoError(t, err)
	got, ok := reloaded.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, created.OpenClawDir, got.OpenClawDir)
	assert.Equal(t, 5000, got.PollIntervalMs)
	assert.True(t, got.Enabled)
}

func TestTargetStoreUpdateAndDelete(t *testing.T) {
	store, _ := newTargetStore(t)

	created, err := store.Create(Target{OpenClawDir: "~/.openclaw/a"})
	require.NoError(t, err)

	updated, err := store.Update(created.ID, Target{Label: "renamed", PollIntervalMs: 2000, Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Label)
	assert.Equal(t, 2000, updated.PollIntervalMs)
	assert.True(t, updated.Enabled)

	_, err = store.Update("nope", Target{Label: "x"})
	assert.Error(t, err)

	require.NoError(t, store.Delete(created.ID))
	_, ok := store.Get(created.ID)
	assert.False(t, ok)
	assert.NoError(t, store.Delete(created.ID), "deleting an unknown id is a no-op")
}

func TestEnsureAutoTarget(t *testing.T) {
	store, _ := newTargetStore(t)

	first, err := store.EnsureAutoTarget("~/.openclaw/machine-abc", "edge box")
	require.NoError(t, err)
	assert.Equal(t, OriginAuto, first.Origin)
	assert.Equal(t, TargetRemote, first.Type)
	assert.True(t, first.Enabled)

	again, err := store.EnsureAutoTarget("~/.openclaw/machine-abc", "edge box")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "repeat check-in reuses the target")
	assert.Len(t, store.List(), 1)
}

func TestPreferTarget(t *testing.T) {
	online := []string{"abc123"}
	withMachine := &Target{OpenClawDir: "/home/u/.openclaw/machine-abc123", UpdatedAt: "2026-08-20T00:00:00Z"}
	without := &Target{OpenClawDir: "/home/u/.openclaw/other", UpdatedAt: "2026-08-24T00:00:00Z"}
	newer := &Target{OpenClawDir: "/home/u/.openclaw/other", UpdatedAt: "2026-08-25T00:00:00Z"}

	assert.True(t, preferTarget(withMachine, without, online), "online machine id wins over recency")
	assert.False(t, preferTarget(without, withMachine, online))
	assert.True(t, preferTarget(newer, without, online), "ties break on most recent updatedAt")
	assert.False(t, preferTarget(without, newer, nil))
}
