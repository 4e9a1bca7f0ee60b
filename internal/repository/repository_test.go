package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunecast/server/internal/models"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func addDevice(t *testing.T, repo *DeviceRepository, branchID, name string) (*models.Device, string) {
	t.Helper()
	device, token, err := models.NewDevice(branchID, name)
	require.NoError(t, err)
	require.NoError(t, repo.Add(context.Background(), device))
	return device, token
}

func TestDeviceRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewDeviceRepository(newTestDB(t))

	device, token := addDevice(t, repo, "branch-1", "Front speaker")
	addDevice(t, repo, "branch-2", "Other")

	t.Run("lookup by token", func(t *testing.T) {
		got, err := repo.GetByToken(ctx, token)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, device.ID, got.ID)
		assert.Equal(t, token, got.Token)
		assert.Equal(t, models.DeviceOffline, got.Status)
		assert.True(t, got.IsActive)
		assert.Nil(t, got.LastSeenAt)
	})

	t.Run("unknown token", func(t *testing.T) {
		got, err := repo.GetByToken(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = repo.GetByToken(ctx, "")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("presence", func(t *testing.T) {
		seen := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
		require.NoError(t, repo.UpdatePresence(ctx, device.ID, models.DeviceOnline, seen))

		got, err := repo.GetByID(ctx, device.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DeviceOnline, got.Status)
		require.NotNil(t, got.LastSeenAt)
		assert.True(t, seen.Equal(*got.LastSeenAt))

		n, err := repo.ResetPresence(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("branch listing skips inactive", func(t *testing.T) {
		second, _ := addDevice(t, repo, "branch-1", "Back speaker")
		require.NoError(t, repo.Deactivate(ctx, second.ID))

		disabled, err := repo.GetByID(ctx, second.ID)
		require.NoError(t, err)
		assert.False(t, disabled.IsActive)
		assert.Equal(t, models.DeviceOffline, disabled.Status)

		devices, err := repo.GetActiveForBranch(ctx, "branch-1")
		require.NoError(t, err)
		require.Len(t, devices, 1)
		assert.Equal(t, device.ID, devices[0].ID)

		all, err := repo.GetAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("push token", func(t *testing.T) {
		require.NoError(t, repo.UpdatePushToken(ctx, device.ID, "fcm-123"))

		got, err := repo.GetByID(ctx, device.ID)
		require.NoError(t, err)
		assert.Equal(t, "fcm-123", got.PushToken)
	})

	t.Run("delete", func(t *testing.T) {
		ok, err := repo.Delete(ctx, device.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.Delete(ctx, device.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestPlaylistRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewPlaylistRepository(newTestDB(t))

	p, err := models.NewPlaylist("Morning")
	require.NoError(t, err)
	require.NoError(t, repo.Add(ctx, p))

	require.NoError(t, repo.AppendSongs(ctx, p.ID, []models.Song{
		{Title: "One", StreamURL: "https://cdn/one.mp3"},
		{Title: "Two", BunnyStreamID: "vid-2"},
	}))
	require.NoError(t, repo.AppendSongs(ctx, p.ID, []models.Song{{ID: "three", Title: "Three"}}))

	songs, err := repo.ListSongs(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, songs, 3)
	for i, s := range songs {
		assert.Equal(t, i, s.Position)
		assert.NotEmpty(t, s.ID)
	}
	assert.Equal(t, "vid-2", songs[1].BunnyStreamID)
	assert.Equal(t, "three", songs[2].ID)

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Morning", got.Name)
	assert.True(t, got.UpdatedAt.After(p.UpdatedAt), "appending songs touches the playlist")

	missing, err := repo.GetByID(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	ok, err := repo.Delete(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	songs, err = repo.ListSongs(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, songs, "songs cascade")
}

func TestSyncStatusRepository(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	devices := NewDeviceRepository(db)
	playlists := NewPlaylistRepository(db)
	repo := NewSyncStatusRepository(db)

	device, _ := addDevice(t, devices, "branch-1", "Speaker")
	p1, _ := models.NewPlaylist("One")
	p2, _ := models.NewPlaylist("Two")
	require.NoError(t, playlists.Add(ctx, p1))
	require.NoError(t, playlists.Add(ctx, p2))

	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	status := models.NewPendingSyncStatus(device.ID, p1.ID, "m1", base)
	require.NoError(t, repo.Upsert(ctx, status))
	status.Complete(base.Add(time.Second))
	require.NoError(t, repo.Upsert(ctx, status))

	got, err := repo.Get(ctx, device.ID, p1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncCompleted, got.Status)
	require.NotNil(t, got.LastSyncedAt)
	synced := *got.LastSyncedAt

	// a new push re-enters pending and keeps the last sync time
	again := models.NewPendingSyncStatus(device.ID, p1.ID, "m2", base.Add(time.Minute))
	require.NoError(t, repo.Upsert(ctx, again))
	got, err = repo.Get(ctx, device.ID, p1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncPending, got.Status)
	assert.Equal(t, "m2", got.MessageID)
	require.NotNil(t, got.LastSyncedAt)
	assert.True(t, synced.Equal(*got.LastSyncedAt))

	// the late timeout of m1 leaves the m2 row alone
	stale := models.NewPendingSyncStatus(device.ID, p1.ID, "m1", base)
	stale.Fail("no acknowledgement", base.Add(90*time.Second))
	require.NoError(t, repo.Upsert(ctx, stale))
	got, err = repo.Get(ctx, device.ID, p1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncPending, got.Status)
	assert.Equal(t, "m2", got.MessageID)
	assert.Empty(t, got.Message)

	failed := models.NewPendingSyncStatus(device.ID, p2.ID, "m3", base.Add(2*time.Minute))
	failed.Fail("timeout", base.Add(3*time.Minute))
	require.NoError(t, repo.Upsert(ctx, failed))

	latest, err := repo.LatestForDevice(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, p2.ID, latest.PlaylistID)
	assert.Equal(t, "timeout", latest.Message)

	list, err := repo.ListForDevice(ctx, device.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = repo.ListForPlaylist(ctx, p1.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, device.ID, list[0].DeviceID)

	none, err := repo.LatestForDevice(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestPlayHistoryRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewPlayHistoryRepository(newTestDB(t), time.UTC)

	day1 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	stream := "vid-1"
	rec := &models.PlayHistoryRecord{SongID: "s1", BranchID: "b1", DeviceID: "d1", BunnyStreamID: &stream}

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.RecordPlay(ctx, rec, day1.Add(time.Duration(i)*time.Hour)))
	}

	got, err := repo.Get(ctx, "s1", "b1", "d1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.PlayCountToday)
	assert.Equal(t, "2026-05-01", got.PlayDay)
	assert.True(t, day1.Add(2*time.Hour).Equal(got.LastPlayedAt))
	require.NotNil(t, got.BunnyStreamID)
	assert.Equal(t, "vid-1", *got.BunnyStreamID)

	// the counter restarts on a new day and the cdn id survives a play without one
	require.NoError(t, repo.RecordPlay(ctx, &models.PlayHistoryRecord{SongID: "s1", BranchID: "b1", DeviceID: "d1"}, day1.Add(24*time.Hour)))
	got, err = repo.Get(ctx, "s1", "b1", "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.PlayCountToday)
	assert.Equal(t, "2026-05-02", got.PlayDay)
	require.NotNil(t, got.BunnyStreamID)

	require.NoError(t, repo.RecordPlay(ctx, &models.PlayHistoryRecord{SongID: "s2", BranchID: "b1", DeviceID: "d2"}, day1))
	require.NoError(t, repo.RecordPlay(ctx, &models.PlayHistoryRecord{SongID: "s3", BranchID: "b2", DeviceID: "d3"}, day1))

	records, err := repo.ListByBranch(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, records, 2)

	pruned, err := repo.PruneBefore(ctx, day1.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	records, err = repo.ListByBranch(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "s1", records[0].SongID)
}

func TestPlayHistoryRepository_DayFollowsLocation(t *testing.T) {
	ctx := context.Background()
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	repo := NewPlayHistoryRepository(newTestDB(t), tokyo)

	rec := &models.PlayHistoryRecord{SongID: "s1", BranchID: "b1", DeviceID: "d1"}
	// 14:00 and 16:00 UTC fall on different days in Tokyo
	require.NoError(t, repo.RecordPlay(ctx, rec, time.Date(2026, 5, 1, 14, 0, 0, 0, time.UTC)))
	require.NoError(t, repo.RecordPlay(ctx, rec, time.Date(2026, 5, 1, 16, 0, 0, 0, time.UTC)))

	got, err := repo.Get(ctx, "s1", "b1", "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.PlayCountToday)
	assert.Equal(t, "2026-05-02", got.PlayDay)
}

func TestAPIKeyRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewAPIKeyRepository(newTestDB(t))

	key, plain, err := models.NewAPIKey("ops")
	require.NoError(t, err)
	require.NoError(t, repo.Add(ctx, key))

	got, err := repo.Authenticate(ctx, plain)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, key.ID, got.ID)

	require.NoError(t, repo.UpdateLastUsed(ctx, key.ID))
	got, err = repo.Authenticate(ctx, plain)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.NotNil(t, got.LastUsedAt)

	wrong, err := repo.Authenticate(ctx, plain[:8]+"0000")
	require.NoError(t, err)
	assert.Nil(t, wrong)

	ok, err := repo.Revoke(ctx, key.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = repo.Authenticate(ctx, plain)
	require.NoError(t, err)
	assert.Nil(t, got)
}
