package fabric

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/fabricgw/internal/log"
	"github.com/mattjoyce/fabricgw/internal/storage"
)

func TestMain(m *testing.M) {
	log.SetupLevel("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), storage.DatabaseFile))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestStoreNodeRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStore(openTestDB(t))

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := newDevice(2, 0xFFF1, "kitchen", now)
	require.NoError(t, s.SaveNode(ctx, n))
	require.NoError(t, s.SaveAttribute(ctx, 2, 1, "onOff", true))

	nodes, err := s.LoadNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	got := nodes[0]
	assert.Equal(t, uint64(2), got.ID)
	assert.True(t, got.Available)
	assert.True(t, now.Equal(got.CommissionedAt))
	assert.Equal(t, 1, got.InterviewVersion)
	assert.Equal(t, true, got.Endpoints[1]["onOff"])
	assert.Equal(t, "kitchen", got.Endpoints[0]["nodeLabel"])
	assert.Equal(t, float64(254), got.Endpoints[1]["currentLevel"])
}

func TestStoreDeleteNodeDropsAttributes(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := NewStore(db)

	require.NoError(t, s.SaveNode(ctx, newDevice(5, 0xFFF1, "hall", time.Now())))
	require.NoError(t, s.DeleteNode(ctx, 5))

	nodes, err := s.LoadNodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM node_attributes;`).Scan(&count))
	assert.Zero(t, count)
}

func TestStoreSettings(t *testing.T) {
	ctx := context.Background()
	s := NewStore(openTestDB(t))

	var v string
	ok, err := s.Setting(ctx, "missing", &v)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetSetting(ctx, "dataset", "0e08"))
	require.NoError(t, s.SetSetting(ctx, "dataset", "0e09"))

	ok, err = s.Setting(ctx, "dataset", &v)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "0e09", v)
}
