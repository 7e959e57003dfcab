// Copyright (C) 2025 Harborline Systems (oss@harborline.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := OpenStore(InMemoryStoreConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBadgerStore_SetGet(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Set("result:abc", []byte("payload"), 0))

	value, ok, err := store.Get("result:abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), value)
}

func TestBadgerStore_GetAbsent(t *testing.T) {
	store := openTestStore(t)

	_, ok, err := store.Get("result:missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBadgerStore_TTLExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("ttl expiry test sleeps past badger's 1s ttl granularity")
	}
	store := openTestStore(t)

	require.NoError(t, store.Set("result:abc", []byte("payload"), 1*time.Second))

	_, ok, err := store.Get("result:abc")
	require.NoError(t, err)
	require.True(t, ok, "entry should be live before ttl elapses")

	time.Sleep(1500 * time.Millisecond)

	_, ok, err = store.Get("result:abc")
	require.NoError(t, err)
	assert.False(t, ok, "entry should be absent after ttl elapses")
}

func TestBadgerStore_Delete(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Set("result:abc", []byte("payload"), 0))
	require.NoError(t, store.Delete("result:abc"))

	_, ok, err := store.Get("result:abc")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting an absent key is not an error.
	assert.NoError(t, store.Delete("result:never"))
}

func TestBadgerStore_ClearPrefix(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Set("result:a", []byte("1"), 0))
	require.NoError(t, store.Set("result:b", []byte("2"), 0))
	require.NoError(t, store.Set("other:c", []byte("3"), 0))

	require.NoError(t, store.Clear("result:"))

	_, ok, _ := store.Get("result:a")
	assert.False(t, ok)
	_, ok, _ = store.Get("result:b")
	assert.False(t, ok)
	_, ok, _ = store.Get("other:c")
	assert.True(t, ok, "entries outside the prefix must survive")
}

func TestBadgerStore_Count(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Set("result:a", []byte("1"), 0))
	require.NoError(t, store.Set("result:b", []byte("2"), 0))

	count, err := store.Count()
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}
