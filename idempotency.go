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

package treasury

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/treasury/database"
	"github.com/blnkfinance/treasury/internal/apierror"
	"github.com/blnkfinance/treasury/model"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const idempotencyCachePrefix = "idempotency_"

// IdempotencyCheck is the answer to "has this logical request been seen before".
type IdempotencyCheck struct {
	IsDuplicate   bool
	Status        string
	TransactionID string
}

// IdempotencyGuard dedupes disbursement requests. Redis answers first; the durable store is
// the source of truth and is consulted whenever Redis misses or fails.
type IdempotencyGuard struct {
	redis      redis.UniversalClient
	datasource database.IDataSource
	ttl        time.Duration
}

func NewIdempotencyGuard(client redis.UniversalClient, ds database.IDataSource, ttl time.Duration) *IdempotencyGuard {
	return &IdempotencyGuard{redis: client, datasource: ds, ttl: ttl}
}

// IdempotencyKey derives the key of a logical disbursement request. Requests for the same
// loan, client and amount within the same second share a key.
func IdempotencyKey(evt model.LoanDisbursementRequested) string {
	raw := fmt.Sprintf("%s|%s|%s|%s",
		evt.LoanID,
		evt.ClientID,
		evt.Amount.String(),
		evt.RequestedAt.UTC().Truncate(time.Second).Format(time.RFC3339),
	)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Check reports whether key has been claimed. A durable store failure is returned as an
// error and never reported as "not a duplicate".
func (g *IdempotencyGuard) Check(ctx context.Context, key string) (IdempotencyCheck, error) {
	if record, ok := g.readCache(ctx, key); ok {
		return IdempotencyCheck{IsDuplicate: true, Status: record.Status, TransactionID: record.TransactionID}, nil
	}

	record, err := g.datasource.GetIdempotencyRecord(ctx, key)
	if err != nil {
		if notFound(err) {
			return IdempotencyCheck{Status: model.IdempotencyNotProcessed}, nil
		}
		return IdempotencyCheck{}, err
	}

	g.writeCache(ctx, record)
	return IdempotencyCheck{IsDuplicate: true, Status: record.Status, TransactionID: record.TransactionID}, nil
}

// MarkProcessing claims key. Losing the claim to a concurrent delivery returns ErrDuplicate.
func (g *IdempotencyGuard) MarkProcessing(ctx context.Context, key, transactionID string) error {
	record := &model.IdempotencyRecord{Key: key, Status: model.IdempotencyProcessing, TransactionID: transactionID}
	claimed, err := g.datasource.ClaimIdempotencyKey(ctx, record)
	if err != nil {
		return err
	}
	if !claimed {
		return apierror.NewAPIError(apierror.ErrDuplicate, "request is already being processed", nil)
	}
	g.writeCache(ctx, record)
	return nil
}

func (g *IdempotencyGuard) MarkCompleted(ctx context.Context, key, transactionID string) error {
	return g.finalize(ctx, key, model.IdempotencyCompleted, transactionID, "")
}

func (g *IdempotencyGuard) MarkFailed(ctx context.Context, key, transactionID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return g.finalize(ctx, key, model.IdempotencyFailed, transactionID, msg)
}

func (g *IdempotencyGuard) finalize(ctx context.Context, key, status, transactionID, errMsg string) error {
	if err := g.datasource.FinalizeIdempotencyKey(ctx, key, status, transactionID, errMsg); err != nil {
		return err
	}
	record, err := g.datasource.GetIdempotencyRecord(ctx, key)
	if err != nil {
		// The durable write succeeded; drop the stale cache entry instead.
		g.deleteCache(ctx, key)
		return nil
	}
	g.writeCache(ctx, record)
	return nil
}

func (g *IdempotencyGuard) readCache(ctx context.Context, key string) (*model.IdempotencyRecord, bool) {
	if g.redis == nil {
		return nil, false
	}
	raw, err := g.redis.Get(ctx, idempotencyCachePrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logrus.WithError(err).Warn("idempotency cache unavailable, falling back to durable store")
		}
		return nil, false
	}
	var record model.IdempotencyRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		logrus.WithError(err).Warn("discarding unreadable idempotency cache entry")
		return nil, false
	}
	return &record, true
}

func (g *IdempotencyGuard) writeCache(ctx context.Context, record *model.IdempotencyRecord) {
	if g.redis == nil {
		return
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return
	}
	if err := g.redis.Set(ctx, idempotencyCachePrefix+record.Key, raw, g.ttl).Err(); err != nil {
		logrus.WithError(err).Warn("idempotency cache write failed")
	}
}

func (g *IdempotencyGuard) deleteCache(ctx context.Context, key string) {
	if g.redis == nil {
		return
	}
	if err := g.redis.Del(ctx, idempotencyCachePrefix+key).Err(); err != nil {
		logrus.WithError(err).Warn("idempotency cache delete failed")
	}
}
