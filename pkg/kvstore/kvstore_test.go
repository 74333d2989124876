package kvstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/nomad-sync/pkg/ids"
)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		KindMemory: func(t *testing.T) Store { return NewMemory() },
		KindPebble: func(t *testing.T) Store {
			s, err := OpenPebble("", &pebble.Options{FS: vfs.NewMem()})
			require.NoError(t, err)
			return s
		},
		KindSQLite: func(t *testing.T) Store {
			s, err := OpenSQLite(t.TempDir())
			require.NoError(t, err)
			return s
		},
	}
}

func TestBackends(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("missing key", func(t *testing.T) {
				s := open(t)
				defer s.Close()
				_, err := s.Get(ctx, ids.Random())
				assert.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("set get overwrite", func(t *testing.T) {
				s := open(t)
				defer s.Close()
				k := ids.Random()
				require.NoError(t, s.Set(ctx, k, []byte("one")))
				got, err := s.Get(ctx, k)
				require.NoError(t, err)
				assert.Equal(t, []byte("one"), got)

				require.NoError(t, s.Set(ctx, k, []byte("two")))
				got, err = s.Get(ctx, k)
				require.NoError(t, err)
				assert.Equal(t, []byte("two"), got)
			})

			t.Run("returned slice is a copy", func(t *testing.T) {
				s := open(t)
				defer s.Close()
				k := ids.Random()
				in := []byte("value")
				require.NoError(t, s.Set(ctx, k, in))
				in[0] = 'X'
				got, err := s.Get(ctx, k)
				require.NoError(t, err)
				got[1] = 'Y'
				again, err := s.Get(ctx, k)
				require.NoError(t, err)
				assert.Equal(t, []byte("value"), again)
			})

			t.Run("clear removes everything", func(t *testing.T) {
				s := open(t)
				defer s.Close()
				keys := []ids.ID{ids.Random(), ids.Random(), ids.Random()}
				for _, k := range keys {
					require.NoError(t, s.Set(ctx, k, []byte(k.String())))
				}
				require.NoError(t, s.Clear(ctx))
				for _, k := range keys {
					_, err := s.Get(ctx, k)
					assert.ErrorIs(t, err, ErrNotFound)
				}
				require.NoError(t, s.Set(ctx, keys[0], []byte("back")))
				got, err := s.Get(ctx, keys[0])
				require.NoError(t, err)
				assert.Equal(t, []byte("back"), got)
			})

			t.Run("concurrent writers on distinct keys", func(t *testing.T) {
				s := open(t)
				defer s.Close()
				keys := make([]ids.ID, 16)
				for i := range keys {
					keys[i] = ids.Random()
				}
				wg := new(sync.WaitGroup)
				for _, k := range keys {
					wg.Add(1)
					go func(k ids.ID) {
						defer wg.Done()
						assert.NoError(t, s.Set(ctx, k, k.Bytes()))
					}(k)
				}
				wg.Wait()
				for _, k := range keys {
					got, err := s.Get(ctx, k)
					require.NoError(t, err)
					assert.Equal(t, k.Bytes(), got)
				}
			})

			t.Run("closed store", func(t *testing.T) {
				s := open(t)
				k := ids.Random()
				require.NoError(t, s.Set(ctx, k, []byte("x")))
				require.NoError(t, s.Close())
				require.NoError(t, s.Close())

				_, err := s.Get(ctx, k)
				assert.ErrorIs(t, err, ErrClosed)
				assert.ErrorIs(t, s.Set(ctx, k, []byte("y")), ErrClosed)
				assert.ErrorIs(t, s.Clear(ctx), ErrClosed)
			})

			t.Run("close during use", func(t *testing.T) {
				for round := 0; round < 50; round++ {
					s := open(t)
					k := ids.Random()
					require.NoError(t, s.Set(ctx, k, []byte("x")))

					wg := new(sync.WaitGroup)
					for g := 0; g < 8; g++ {
						wg.Add(1)
						go func() {
							defer wg.Done()
							for {
								_, err := s.Get(ctx, k)
								if errors.Is(err, ErrClosed) {
									return
								}
								if !assert.NoError(t, err) {
									return
								}
							}
						}()
					}
					time.Sleep(200 * time.Microsecond)
					require.NoError(t, s.Close())
					wg.Wait()
				}
			})
		})
	}
}

func TestPebbleSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	fs := vfs.NewMem()
	s, err := OpenPebble("db", &pebble.Options{FS: fs})
	require.NoError(t, err)
	k := ids.Random()
	require.NoError(t, s.Set(ctx, k, []byte("persisted")))
	require.NoError(t, s.Close())

	_, err = s.Get(ctx, k)
	assert.ErrorIs(t, err, ErrClosed)

	s, err = OpenPebble("db", &pebble.Options{FS: fs})
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got)
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := OpenSQLite(dir)
	require.NoError(t, err)
	k := ids.Random()
	require.NoError(t, s.Set(ctx, k, []byte("persisted")))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(dir)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got)
}

func TestOpenUnknownKind(t *testing.T) {
	_, err := Open("etcd", t.TempDir())
	assert.Error(t, err)
}

func TestPebbleCollector(t *testing.T) {
	s, err := OpenPebble("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Set(context.Background(), ids.Random(), []byte("x")))

	c := NewPebbleCollector(s)
	assert.Equal(t, 9, testutil.CollectAndCount(c))

	require.NoError(t, s.Close())
	assert.Equal(t, 0, testutil.CollectAndCount(c))
}
