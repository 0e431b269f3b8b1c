package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestSQLite(t *testing.T) Store {
	t.Helper()
	st, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "data", "hookrelay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteStoreContract(t *testing.T) {
	runStoreContract(t, openTestSQLite)
}

func TestOpenSQLiteRejectsEmptyPath(t *testing.T) {
	_, err := OpenSQLite(context.Background(), "")
	require.Error(t, err)
}

func TestOpenSQLiteIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hookrelay.db")
	first, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	seedEvent(t, first, "evt_1")
	require.NoError(t, first.Close())

	second, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	defer second.Close()
	_, err = second.FindEventByID(context.Background(), "evt_1")
	require.NoError(t, err)
}
