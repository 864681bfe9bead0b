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
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/blnkfinance/treasury/config"
	"github.com/blnkfinance/treasury/database"
	"github.com/blnkfinance/treasury/internal/apierror"
	"github.com/blnkfinance/treasury/internal/cache"
	"github.com/blnkfinance/treasury/internal/gateway"
	"github.com/blnkfinance/treasury/model"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

var tracer = otel.Tracer("treasury")

const (
	actorSystem = "system"

	transactionCachePrefix = "transaction_"
)

// PaymentGateway is the banking API as seen by the orchestrator. *gateway.Client implements it.
type PaymentGateway interface {
	ExecutePayment(ctx context.Context, payment gateway.PaymentRequest) (*gateway.PaymentResult, error)
	CheckStatus(ctx context.Context, transactionID, correlationID string) (*gateway.StatusResult, error)
}

// AuditPublisher forwards audit events to the external sink.
type AuditPublisher interface {
	PublishAuditEvent(ctx context.Context, event model.AuditEvent) error
}

// StatusPollScheduler arranges a delayed status check for an execution whose outcome is unknown.
type StatusPollScheduler interface {
	ScheduleStatusPoll(ctx context.Context, disbursementID string, attempt int, delay time.Duration) error
}

// Options carries the optional collaborators of a Treasury. A nil Redis or Cache runs the
// engine against the durable store only.
type Options struct {
	Redis     redis.UniversalClient
	Cache     cache.Cache
	Publisher AuditPublisher
	Scheduler StatusPollScheduler
	Config    *config.Configuration
}

// Treasury is the disbursement and reconciliation engine.
type Treasury struct {
	datasource database.IDataSource
	gateway    PaymentGateway
	config     *config.Configuration
	cache      cache.Cache
	scheduler  StatusPollScheduler

	Idempotency *IdempotencyGuard
	Floats      *FloatLedger
	Funding     *FundingValidator
	Audit       *AuditTrail
	Reconciler  *Reconciler
}

// NewTreasury wires the engine components around db and gw.
//
// Parameters:
// - db database.IDataSource: The durable store.
// - gw PaymentGateway: The banking gateway client, shared by every caller in the process.
// - opts Options: Cache, queue and configuration collaborators. A nil Config is fetched from the config store.
//
// Returns:
// - *Treasury: The engine.
// - error: An error if the configuration is not loaded.
func NewTreasury(db database.IDataSource, gw PaymentGateway, opts Options) (*Treasury, error) {
	cnf := opts.Config
	if cnf == nil {
		var err error
		cnf, err = config.Fetch()
		if err != nil {
			return nil, err
		}
	}

	c := opts.Cache
	if c == nil && opts.Redis != nil {
		c = cache.NewCache(opts.Redis)
	}

	audit := NewAuditTrail(opts.Publisher)
	floats := NewFloatLedger(db, c, cnf.Cache.TTL(), audit)

	return &Treasury{
		datasource:  db,
		gateway:     gw,
		config:      cnf,
		cache:       c,
		scheduler:   opts.Scheduler,
		Idempotency: NewIdempotencyGuard(opts.Redis, db, cnf.Cache.TTL()),
		Floats:      floats,
		Funding:     NewFundingValidator(floats, db, cnf.Funding),
		Audit:       audit,
		Reconciler:  NewReconciler(db, opts.Redis, c, audit, cnf.Reconciliation),
	}, nil
}

// GetTreasuryTransaction reads a treasury transaction, cache first.
func (t *Treasury) GetTreasuryTransaction(ctx context.Context, transactionID string) (*model.TreasuryTransaction, error) {
	key := transactionCachePrefix + transactionID
	if t.cache != nil {
		var txn model.TreasuryTransaction
		err := t.cache.Get(ctx, key, &txn)
		if err == nil {
			return &txn, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			logrus.WithError(err).WithField("key", key).Warn("transaction cache read failed")
		}
	}

	txn, err := t.datasource.GetTreasuryTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	t.cacheTransaction(ctx, txn)
	return txn, nil
}

func (t *Treasury) cacheTransaction(ctx context.Context, txn *model.TreasuryTransaction) {
	if t.cache == nil {
		return
	}
	if err := t.cache.Set(ctx, transactionCachePrefix+txn.TransactionID, txn, t.config.Cache.TTL()); err != nil {
		logrus.WithError(err).WithField("transaction_id", txn.TransactionID).Warn("transaction cache write failed")
	}
}

func notFound(err error) bool {
	return apierror.IsCode(err, apierror.ErrNotFound)
}

func invalidInput(format string, args ...interface{}) error {
	return apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf(format, args...), nil)
}
