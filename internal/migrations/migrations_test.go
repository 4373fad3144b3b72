package migrations_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-session-coordinator/internal/migrations"
	"github.com/koopa0/system-design/14-session-coordinator/internal/testutils"
)

// TestMigrator 測試遷移可重複執行並可回滾
func TestMigrator(t *testing.T) {
	env := testutils.SetupTestEnvironment(t)
	ctx := context.Background()

	m, err := migrations.New(env.PostgresDSN, env.Logger)
	require.NoError(t, err)
	defer func() { assert.NoError(t, m.Close()) }()

	// SetupTestEnvironment 已經遷移到最新版本
	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(2), version)

	// 重複執行不報錯
	require.NoError(t, m.Up())

	// 回滾 000002 不影響資料表
	require.NoError(t, m.Down())
	version, _, err = m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var exists bool
	err = env.PostgresPool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'sessions')`).Scan(&exists)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, m.Up())
	version, _, err = m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}
