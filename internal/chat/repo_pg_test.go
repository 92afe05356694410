package chat

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/medconnect/medconnect/internal/platform/db"
	"github.com/medconnect/medconnect/migrations"
)

// Set TEST_DATABASE_URL to run the store suite against PostgreSQL as well.
const testDatabaseEnv = "TEST_DATABASE_URL"

func newTestPGStore(t *testing.T) Store {
	t.Helper()
	url := os.Getenv(testDatabaseEnv)
	if url == "" {
		t.Skipf("%s not set", testDatabaseEnv)
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = db.NewMigrator(pool, migrations.FS).Up(ctx)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `TRUNCATE chat_message, chat, app_user`)
	require.NoError(t, err)
	return NewPGStore(pool)
}

func TestPGStore_UserRole(t *testing.T) {
	s := newTestPGStore(t).(*PGStore)
	ctx := context.Background()

	_, err := s.db.Exec(ctx, `INSERT INTO app_user (id, role) VALUES ('doc-1', 'doctor')`)
	require.NoError(t, err)

	role, err := s.UserRole(ctx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, RoleDoctor, role)

	_, err = s.UserRole(ctx, "nobody")
	require.ErrorIs(t, err, ErrUserNotFound)
}
