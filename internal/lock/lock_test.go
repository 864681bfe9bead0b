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

package redlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
)

func TestBatchLockKey(t *testing.T) {
	assert.Equal(t, "lock_reconciliation_batch_rbatch_1", BatchLockKey("rbatch_1"))
}

func TestLocker_Lock(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "batch-key", "worker-1")

	mock.ExpectSetNX("batch-key", "worker-1", 5*time.Second).SetVal(true)
	assert.NoError(t, locker.Lock(context.Background(), 5*time.Second))

	mock.ExpectSetNX("batch-key", "worker-1", 5*time.Second).SetVal(false)
	err := locker.Lock(context.Background(), 5*time.Second)
	assert.ErrorIs(t, err, ErrLockHeld)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Lock_RedisError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "batch-key", "worker-1")

	mock.ExpectSetNX("batch-key", "worker-1", time.Second).SetErr(errors.New("connection refused"))
	err := locker.Lock(context.Background(), time.Second)
	assert.EqualError(t, err, "connection refused")
	assert.NotErrorIs(t, err, ErrLockHeld)
}

func TestLocker_Unlock(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "batch-key", "worker-1")

	mock.ExpectEval(unlockScript, []string{"batch-key"}, "worker-1").SetVal(int64(1))
	assert.NoError(t, locker.Unlock(context.Background()))

	mock.ExpectEval(unlockScript, []string{"batch-key"}, "worker-1").SetVal(int64(0))
	assert.Error(t, locker.Unlock(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_ExtendLock(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "batch-key", "worker-1")

	mock.ExpectEval(extendScript, []string{"batch-key"}, "worker-1", "10000").SetVal(int64(1))
	assert.NoError(t, locker.ExtendLock(context.Background(), 10*time.Second))

	mock.ExpectEval(extendScript, []string{"batch-key"}, "worker-1", "10000").SetVal(int64(0))
	assert.Error(t, locker.ExtendLock(context.Background(), 10*time.Second))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_WaitLock(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "batch-key", "worker-1")

	mock.ExpectSetNX("batch-key", "worker-1", time.Second).SetVal(false)
	mock.ExpectSetNX("batch-key", "worker-1", time.Second).SetVal(true)

	assert.NoError(t, locker.WaitLock(context.Background(), time.Second, 2*time.Second))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_WaitLock_ContextCancelled(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, "batch-key", "worker-1")
	mock.ExpectSetNX("batch-key", "worker-1", time.Second).SetVal(false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := locker.WaitLock(ctx, time.Second, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
