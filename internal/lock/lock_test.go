package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	var inside, maxInside, total int
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			unlock, err := km.Lock(ctx, "UN001")
			if err != nil {
				return err
			}
			defer unlock()
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			total++
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, maxInside)
	assert.Equal(t, 20, total)
	assert.Equal(t, 0, km.Len())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := NewKeyedMutex()
	unlockA, err := km.Lock(context.Background(), "A")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := km.Lock(ctx, "B")
	require.NoError(t, err)
	unlockB()
	unlockB()
	assert.Equal(t, 1, km.Len())
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	km := NewKeyedMutex()
	unlock, err := km.Lock(context.Background(), "A")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = km.Lock(ctx, "A")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Equal(t, 0, km.Len())
}

type fakeRedis struct {
	mu      sync.Mutex
	values  map[string]string
	setnx   int
	evalled []string
	extends int
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setnx++
	if _, ok := f.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.values[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if script == extendScript {
		if f.values[keys[0]] == args[0].(string) {
			f.extends++
			return redis.NewCmdResult(int64(1), nil)
		}
		return redis.NewCmdResult(int64(0), nil)
	}
	f.evalled = append(f.evalled, keys[0])
	if f.values[keys[0]] == args[0].(string) {
		delete(f.values, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestRedisLockerWaitsForRelease(t *testing.T) {
	fake := &fakeRedis{values: map[string]string{}}
	rl := newRedisLocker(fake, time.Second)
	rl.retryWait = time.Millisecond

	unlock, err := rl.Lock(context.Background(), "UN001")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		unlock2, err := rl.Lock(context.Background(), "UN001")
		if err == nil {
			unlock2()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired")
	}
	assert.Empty(t, fake.values)
	assert.Contains(t, fake.evalled, keyPrefix+"UN001")
}

func TestRedisLockerContextCancel(t *testing.T) {
	fake := &fakeRedis{values: map[string]string{keyPrefix + "UN001": "someone-else"}}
	rl := newRedisLocker(fake, 0)
	rl.retryWait = time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := rl.Lock(ctx, "UN001")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, defaultLockTTL, rl.ttl)
}

func TestRedisLockerRenewsLeaseWhileHeld(t *testing.T) {
	fake := &fakeRedis{values: map[string]string{}}
	rl := newRedisLocker(fake, 30*time.Millisecond)

	unlock, err := rl.Lock(context.Background(), "UN001")
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	fake.mu.Lock()
	extends := fake.extends
	_, held := fake.values[keyPrefix+"UN001"]
	fake.mu.Unlock()
	assert.GreaterOrEqual(t, extends, 2)
	assert.True(t, held)

	unlock()
	unlock()
	fake.mu.Lock()
	assert.Empty(t, fake.values)
	assert.Len(t, fake.evalled, 1)
	after := fake.extends
	fake.mu.Unlock()

	time.Sleep(40 * time.Millisecond)
	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, after, fake.extends, "renewal stops after unlock")
}
