/*
Package redisstore holds the Redis-backed pieces of the ledger: a
distributed per-task Locker and a read-through BatchCatalog cache.

PURPOSE:
  A single process serializes link/unlink per task with ledger.LocalLocker.
  Several API instances sharing one database need the same guarantee
  across processes; Locker provides it with bsm/redislock.

  CachedCatalog serves planning previews (PlanAllocation) from Redis. The
  commit path (Reserve, Link, ConfirmConsumption) always reads the store
  inside its transaction, so a stale cache entry can only make a preview
  optimistic, never oversell. The service invalidates the affected keys
  after every receipt and settlement (ledger.CatalogInvalidator); entries
  another writer missed expire with the TTL.

FAILURE MODE:
  Cache errors are logged and the call falls through to the wrapped
  catalog. Lock errors are returned: a task lock that cannot be obtained
  fails the operation with ledger.ErrLockTimeout.

KEYS:
  <prefix>lock:task:<id>        redislock key
  <prefix>batches:item:<id>     JSON []ledger.Batch
  <prefix>batches:id:<id>       JSON ledger.Batch

SEE ALSO:
  - ledger/locker.go: Locker interface and the in-process implementation
  - ledger/store.go: BatchCatalog
*/
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/warp/lot-ledger/ledger"
)

const DefaultPrefix = "ledger:"

// NewClient connects to addr and pings it.
func NewClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		PoolSize: 100,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

// =============================================================================
// LOCKER
// =============================================================================

// Locker implements ledger.Locker on Redis.
type Locker struct {
	client  *redislock.Client
	ttl     time.Duration
	backoff time.Duration
	prefix  string
	log     logrus.FieldLogger
}

// NewLocker returns a Locker whose locks expire after ttl if never
// released. A held lock is refreshed every ttl/3 until it is released.
func NewLocker(client redis.UniversalClient, ttl time.Duration, log logrus.FieldLogger) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Locker{
		client:  redislock.New(client),
		ttl:     ttl,
		backoff: 25 * time.Millisecond,
		prefix:  DefaultPrefix,
		log:     log,
	}
}

// Lock blocks until the key is obtained or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	lock, err := l.client.Obtain(ctx, l.prefix+"lock:"+key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.backoff),
	})
	switch {
	case errors.Is(err, redislock.ErrNotObtained),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return nil, fmt.Errorf("%w: %s: %v", ledger.ErrLockTimeout, key, err)
	case err != nil:
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(lock, key, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// The caller's ctx may already be done; release must still run.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				l.log.WithFields(logrus.Fields{
					"module": "redisstore",
					"key":    key,
				}).WithError(err).Warn("failed to release redis lock")
			}
		})
	}, nil
}

// keepAlive extends the lock until stop is closed or the lock is lost.
func (l *Locker) keepAlive(lock *redislock.Lock, key string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	every := l.ttl / 3
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			err := lock.Refresh(ctx, l.ttl, nil)
			cancel()
			if err == nil {
				continue
			}
			entry := l.log.WithFields(logrus.Fields{"module": "redisstore", "key": key}).WithError(err)
			if errors.Is(err, redislock.ErrNotObtained) {
				entry.Error("redis lock lost before release")
				return
			}
			entry.Warn("failed to refresh redis lock")
		}
	}
}

// =============================================================================
// CACHED CATALOG
// =============================================================================

// CachedCatalog is a read-through ledger.BatchCatalog.
type CachedCatalog struct {
	next   ledger.BatchCatalog
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	log    logrus.FieldLogger
}

func NewCachedCatalog(next ledger.BatchCatalog, client redis.UniversalClient, ttl time.Duration, log logrus.FieldLogger) *CachedCatalog {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &CachedCatalog{next: next, client: client, ttl: ttl, prefix: DefaultPrefix, log: log}
}

func (c *CachedCatalog) itemKey(id ledger.ItemID) string  { return c.prefix + "batches:item:" + string(id) }
func (c *CachedCatalog) batchKey(id ledger.BatchID) string { return c.prefix + "batches:id:" + string(id) }

func (c *CachedCatalog) ListBatches(ctx context.Context, itemID ledger.ItemID) ([]ledger.Batch, error) {
	var cached []ledger.Batch
	if c.get(ctx, c.itemKey(itemID), &cached) {
		return cached, nil
	}
	batches, err := c.next.ListBatches(ctx, itemID)
	if err != nil {
		return nil, err
	}
	c.set(ctx, c.itemKey(itemID), batches)
	return batches, nil
}

func (c *CachedCatalog) GetBatch(ctx context.Context, batchID ledger.BatchID) (ledger.Batch, error) {
	var cached ledger.Batch
	if c.get(ctx, c.batchKey(batchID), &cached) {
		return cached, nil
	}
	b, err := c.next.GetBatch(ctx, batchID)
	if err != nil {
		return ledger.Batch{}, err
	}
	c.set(ctx, c.batchKey(batchID), b)
	return b, nil
}

// Invalidate drops cached entries for an item and any of its batches.
func (c *CachedCatalog) Invalidate(ctx context.Context, itemID ledger.ItemID, batchIDs ...ledger.BatchID) error {
	keys := []string{c.itemKey(itemID)}
	for _, id := range batchIDs {
		keys = append(keys, c.batchKey(id))
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *CachedCatalog) get(ctx context.Context, key string, dest any) bool {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err == nil {
		err = json.Unmarshal(val, dest)
	}
	if err != nil {
		c.logger(key).WithError(err).Warn("batch cache read failed")
		return false
	}
	return true
}

func (c *CachedCatalog) set(ctx context.Context, key string, v any) {
	b, err := json.Marshal(v)
	if err == nil {
		err = c.client.Set(ctx, key, b, c.ttl).Err()
	}
	if err != nil {
		c.logger(key).WithError(err).Warn("batch cache write failed")
	}
}

func (c *CachedCatalog) logger(key string) logrus.FieldLogger {
	return c.log.WithFields(logrus.Fields{"module": "redisstore", "key": key})
}

var (
	_ ledger.Locker             = (*Locker)(nil)
	_ ledger.BatchCatalog       = (*CachedCatalog)(nil)
	_ ledger.CatalogInvalidator = (*CachedCatalog)(nil)
)
