package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"intake/internal/task"
	"intake/internal/testutil"
)

func TestInsertAgainstPostgres(t *testing.T) {
	pool := testutil.NewPostgresPool(t)
	ctx := context.Background()

	s, err := New(pool, nil)
	require.NoError(t, err)
	require.NoError(t, s.EnsureSchema(ctx))
	require.NoError(t, s.EnsureSchema(ctx))
	require.NoError(t, s.Ping(ctx))

	rec := task.NewRecord("Fix login", "Task: Fix login", task.PriorityHigh, "alice", "general", time.Now()).WithContext("intake")
	rid, err := s.Insert(ctx, rec)
	require.NoError(t, err)

	var (
		agent, priority, status string
		contextTag              *string
	)
	err = pool.QueryRow(ctx, `SELECT target_agent, priority, status, context FROM tasks WHERE id = $1`, rid).
		Scan(&agent, &priority, &status, &contextTag)
	require.NoError(t, err)
	require.Equal(t, "alice", agent)
	require.Equal(t, "high", priority)
	require.Equal(t, "pending", status)
	require.NotNil(t, contextTag)
	require.Equal(t, "intake", *contextTag)
}
