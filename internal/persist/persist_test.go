package persist

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agpool/agpool/internal/account"
)

func sampleState() account.State {
	return account.State{
		Accounts: []*account.Account{{
			Email:        "a@x.com",
			RefreshToken: "rt",
			HealthScore:  73,
			Cooldowns:    map[string]int64{"cli|Gemini 3 Pro": 1_900_000_000_000},
		}},
		Strategy: "hybrid",
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "accounts.json")
	fs, err := NewFileStore(path)
	require.NoError(t, err)

	// Missing file loads as an empty pool.
	state, err := fs.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, state.Accounts)

	require.NoError(t, fs.Save(context.Background(), sampleState()))

	state, err = fs.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, state.Accounts, 1)
	assert.Equal(t, "a@x.com", state.Accounts[0].Email)
	assert.Equal(t, 73.0, state.Accounts[0].HealthScore)
	assert.Equal(t, "hybrid", state.Strategy)
	assert.Contains(t, state.Accounts[0].Cooldowns, "cli|Gemini 3 Pro")
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	fs, err := NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err = fs.Load(context.Background())
	assert.Error(t, err)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)

	rs, err := NewRedisStore(context.Background(), mr.Addr(), "agpool:accounts")
	require.NoError(t, err)
	defer rs.Close()

	state, err := rs.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, state.Accounts)

	require.NoError(t, rs.Save(context.Background(), sampleState()))

	state, err = rs.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, state.Accounts, 1)
	assert.Equal(t, "a@x.com", state.Accounts[0].Email)
	assert.Equal(t, "hybrid", state.Strategy)
}

func TestRedisStoreUnreachable(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "127.0.0.1:1", "agpool:accounts")
	assert.Error(t, err)
}
