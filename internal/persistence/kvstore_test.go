package persistence

import (
	"StakeLedger/internal/core"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenBadgerStore("", true, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBadgerStore_GetPut(t *testing.T) {
	s := openMemStore(t)

	_, found, err := s.Get("meta/engine")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Put(
		core.StoreEntry{Key: "meta/engine", Value: []byte(`{"sequence":3}`)},
		core.StoreEntry{Key: "state/pool", Value: []byte(`{}`)},
	))

	v, found, err := s.Get("meta/engine")
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"sequence":3}`, string(v))
}

func TestBadgerStore_ScanPrefixInOrder(t *testing.T) {
	s := openMemStore(t)
	require.NoError(t, s.Put(
		core.StoreEntry{Key: "balance/b", Value: []byte("2")},
		core.StoreEntry{Key: "balance/a", Value: []byte("1")},
		core.StoreEntry{Key: "state/pool", Value: []byte("{}")},
	))

	var keys []string
	err := s.Scan("balance/", func(key string, value []byte) error {
		keys = append(keys, key+"="+string(value))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"balance/a=1", "balance/b=2"}, keys)
}
