package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnml/kiln/pkg/errors"
	"github.com/kilnml/kiln/pkg/storage"
)

func TestCreate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		key   string
		value interface{}
		err   error
	}{
		{
			name:  "successful create",
			key:   "run-1",
			value: "value",
			err:   nil,
		},
		{
			name:  "empty key",
			key:   "",
			value: "value",
			err:   errors.ErrEmptyKey,
		},
		{
			name:  "duplicate key",
			key:   "run-1",
			value: "other",
			err:   errors.ErrEntityExists,
		},
	}

	s := storage.NewInMemoryStorage()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := s.Create(context.Background(), tc.key, tc.value)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestGet(t *testing.T) {
	t.Parallel()

	s := storage.NewInMemoryStorage()
	require.NoError(t, s.Create(context.Background(), "metric-0", 0.25))

	cases := []struct {
		name  string
		key   string
		value interface{}
		err   error
	}{
		{
			name:  "existing key",
			key:   "metric-0",
			value: 0.25,
			err:   nil,
		},
		{
			name: "missing key",
			key:  "metric-1",
			err:  errors.ErrNotFound,
		},
		{
			name: "empty key",
			key:  "",
			err:  errors.ErrEmptyKey,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := s.Get(context.Background(), tc.key)
			assert.ErrorIs(t, err, tc.err)
			if tc.err == nil {
				assert.Equal(t, tc.value, v)
			}
		})
	}
}

func TestUpdateAndDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := storage.NewInMemoryStorage()

	assert.ErrorIs(t, s.Update(ctx, "missing", 1), errors.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "missing"), errors.ErrNotFound)

	require.NoError(t, s.Create(ctx, "model", "v1"))
	require.NoError(t, s.Update(ctx, "model", "v2"))

	v, err := s.Get(ctx, "model")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)

	require.NoError(t, s.Delete(ctx, "model"))
	_, err = s.Get(ctx, "model")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestListOrdering(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := storage.NewInMemoryStorage()

	require.NoError(t, s.Create(ctx, "c", 3))
	require.NoError(t, s.Create(ctx, "a", 1))
	require.NoError(t, s.Create(ctx, "b", 2))

	values, total, err := s.List(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), total)
	assert.Equal(t, []interface{}{1, 2, 3}, values)

	values, total, err = s.List(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), total)
	assert.Equal(t, []interface{}{2}, values)

	values, total, err = s.List(ctx, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), total)
	assert.Nil(t, values)
}
