/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package redlock provides a single-instance redis lock used to make sure only one worker
// matches a reconciliation batch at a time.
package redlock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another owner holds the key.
var ErrLockHeld = errors.New("lock is already held")

const (
	unlockScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	extendScript = "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
)

type Locker struct {
	client redis.UniversalClient
	key    string
	owner  string
}

func NewLocker(client redis.UniversalClient, key, owner string) *Locker {
	return &Locker{client: client, key: key, owner: owner}
}

// BatchLockKey is the key guarding a reconciliation batch.
func BatchLockKey(batchID string) string {
	return fmt.Sprintf("lock_reconciliation_batch_%s", batchID)
}

func (l *Locker) Lock(ctx context.Context, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockHeld, l.key)
	}
	return nil
}

// Unlock releases the key only if this owner still holds it.
func (l *Locker) Unlock(ctx context.Context) error {
	res, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.owner).Result()
	if err != nil {
		return err
	}
	if res == int64(0) {
		return fmt.Errorf("unlock failed for %s: lock expired or held by another owner", l.key)
	}
	return nil
}

func (l *Locker) ExtendLock(ctx context.Context, extension time.Duration) error {
	res, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.owner, fmt.Sprintf("%d", extension.Milliseconds())).Result()
	if err != nil {
		return err
	}
	if res == int64(0) {
		return fmt.Errorf("extend failed for %s: lock expired or held by another owner", l.key)
	}
	return nil
}

// WaitLock retries Lock with jitter until it succeeds, wait elapses or ctx is done.
func (l *Locker) WaitLock(ctx context.Context, ttl, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		err := l.Lock(ctx, ttl)
		if err == nil || !errors.Is(err, ErrLockHeld) {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("could not acquire %s within %s: %w", l.key, wait, ErrLockHeld)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(10+rand.Intn(90)) * time.Millisecond):
		}
	}
}
