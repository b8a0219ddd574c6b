package main

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// Both embedded adapters must behave identically; the postgres adapter is
// covered by the docker-backed integration test.
func forEachAdapter(t *testing.T, test func(t *testing.T, db DB)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		test(t, NewMemoryDB())
	})

	t.Run("sqlite", func(t *testing.T) {
		db, err := NewSQLiteDB(filepath.Join(t.TempDir(), "test.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.close() })
		test(t, db)
	})
}

func TestDBUserLifecycle(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, db DB) {
		u, err := db.CreateUser("alice", "hash", RoleUser)
		require.NoError(t, err)
		require.NotZero(t, u.ID)

		_, err = db.CreateUser("alice", "other", RoleAdmin)
		require.ErrorIs(t, err, ErrUserExists)

		got, err := db.GetUser("alice")
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, "hash", got.PasswordHash)
		require.Equal(t, RoleUser, got.Role)
		require.Empty(t, got.Tokens)

		missing, err := db.GetUser("nobody")
		require.NoError(t, err)
		require.Nil(t, missing)
	})
}

func TestDBTokenListOperations(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, db DB) {
		_, err := db.CreateUser("alice", "hash", RoleUser)
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			require.NoError(t, db.AppendRefreshToken("alice", fmt.Sprintf("rt-%d", i), 3))
		}
		require.ErrorIs(t, db.AppendRefreshToken("alice", "rt-3", 3), ErrSessionLimitReached)

		found, err := db.HasRefreshToken("alice", "rt-1")
		require.NoError(t, err)
		require.True(t, found)

		require.NoError(t, db.RemoveRefreshToken("alice", "rt-1"))
		found, err = db.HasRefreshToken("alice", "rt-1")
		require.NoError(t, err)
		require.False(t, found)

		// a freed slot can be refilled
		require.NoError(t, db.AppendRefreshToken("alice", "rt-3", 3))

		require.NoError(t, db.ClearRefreshTokens("alice"))
		u, err := db.GetUser("alice")
		require.NoError(t, err)
		require.Empty(t, u.Tokens)

		// missing tokens and missing users
		require.NoError(t, db.RemoveRefreshToken("alice", "never-issued"))
		require.ErrorIs(t, db.AppendRefreshToken("nobody", "rt", 3), ErrUserNotFound)
		found, err = db.HasRefreshToken("nobody", "rt")
		require.NoError(t, err)
		require.False(t, found)
	})
}

func TestDBConcurrentAppendsRespectCap(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, db DB) {
		_, err := db.CreateUser("alice", "hash", RoleUser)
		require.NoError(t, err)

		const attempts = 20
		var wg sync.WaitGroup
		var mu sync.Mutex
		admitted := 0
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := db.AppendRefreshToken("alice", fmt.Sprintf("rt-%d", i), 5); err == nil {
					mu.Lock()
					admitted++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		require.Equal(t, 5, admitted)

		u, err := db.GetUser("alice")
		require.NoError(t, err)
		require.Len(t, u.Tokens, 5)
	})
}

func TestDBItemCRUD(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, db DB) {
		items, err := db.ListItems()
		require.NoError(t, err)
		require.Empty(t, items)

		created, err := db.CreateItem("bolts", 40)
		require.NoError(t, err)
		require.NotZero(t, created.ID)

		got, err := db.GetItem(created.ID)
		require.NoError(t, err)
		require.Equal(t, "bolts", got.Name)
		require.Equal(t, 40, got.Quantity)

		updated, err := db.UpdateItem(created.ID, "bolts", 35)
		require.NoError(t, err)
		require.Equal(t, 35, updated.Quantity)

		second, err := db.CreateItem("nuts", 100)
		require.NoError(t, err)

		items, err = db.ListItems()
		require.NoError(t, err)
		require.Len(t, items, 2)
		require.Equal(t, created.ID, items[0].ID)
		require.Equal(t, second.ID, items[1].ID)

		require.NoError(t, db.DeleteItem(created.ID))
		gone, err := db.GetItem(created.ID)
		require.NoError(t, err)
		require.Nil(t, gone)

		// deleting again is a no-op
		require.NoError(t, db.DeleteItem(created.ID))

		missing, err := db.UpdateItem(created.ID, "ghost", 1)
		require.NoError(t, err)
		require.Nil(t, missing)
	})
}
