package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"polyflow/internal/core"
	"polyflow/internal/logging"
)

// DefaultKVBucket is the JetStream KV bucket used for run leases.
const DefaultKVBucket = "polyflow-leases"

// KVLocker leases jobs through a NATS JetStream key-value bucket. The bucket
// TTL bounds how long a lease survives its holder dying; live holders renew at
// a third of the TTL.
type KVLocker struct {
	kv  jetstream.KeyValue
	ttl time.Duration
	log logging.Logger
}

var _ Locker = (*KVLocker)(nil)

// NewKVLocker opens (creating if needed) the lease bucket.
func NewKVLocker(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration, logger logging.Logger) (*KVLocker, error) {
	if bucket == "" {
		bucket = DefaultKVBucket
	}
	if ttl <= 0 {
		return nil, errors.New("lease ttl must be positive")
	}
	kv, err := EnsureKVBucketWithRetry(ctx, js, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "polyflow run leases",
		History:     1,
		TTL:         ttl,
	}, 3)
	if err != nil {
		return nil, err
	}
	return &KVLocker{kv: kv, ttl: ttl, log: logging.OrNop(logger)}, nil
}

// EnsureKVBucketWithRetry creates the bucket, or opens it when another
// process created it first. Transient failures are retried with exponential
// backoff.
func EnsureKVBucketWithRetry(ctx context.Context, js jetstream.JetStream, cfg jetstream.KeyValueConfig, maxRetries int) (jetstream.KeyValue, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		kv, err := js.CreateKeyValue(ctx, cfg)
		if err == nil {
			return kv, nil
		}
		if errors.Is(err, jetstream.ErrBucketExists) {
			kv, err := js.KeyValue(ctx, cfg.Bucket)
			if err == nil {
				return kv, nil
			}
			lastErr = fmt.Errorf("bucket exists but failed to open: %w", err)
		} else {
			lastErr = err
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("context cancelled during KV bucket creation: %w", ctx.Err())
		}
		if attempt < maxRetries-1 {
			backoff := time.Duration(1<<uint(attempt)) * 10 * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("failed to create/open KV bucket %s after %d attempts: %w", cfg.Bucket, maxRetries, lastErr)
}

func (l *KVLocker) Acquire(ctx context.Context, id core.JobID, holder string) (Lease, error) {
	owner := newOwner(holder)
	value, err := json.Marshal(owner)
	if err != nil {
		return nil, err
	}
	key := string(id)
	rev, err := l.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			conflict := &core.ConcurrentRunError{ID: id}
			if entry, gerr := l.kv.Get(ctx, key); gerr == nil {
				var cur Owner
				if json.Unmarshal(entry.Value(), &cur) == nil {
					conflict.Holder = cur.String()
				}
			}
			return nil, conflict
		}
		return nil, fmt.Errorf("acquire lease %s: %w", id, err)
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	kl := &kvLease{
		kv:       l.kv,
		key:      key,
		owner:    owner,
		value:    value,
		revision: rev,
		cancel:   cancel,
		done:     make(chan struct{}),
		lostCh:   make(chan struct{}),
		log:      l.log,
	}
	go kl.renew(renewCtx, l.ttl/3)
	return kl, nil
}

func (l *KVLocker) Break(ctx context.Context, id core.JobID) error {
	err := l.kv.Delete(ctx, string(id))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("break lease %s: %w", id, err)
	}
	return nil
}

type kvLease struct {
	kv    jetstream.KeyValue
	key   string
	owner Owner
	value []byte

	mu       sync.Mutex
	revision uint64
	lost     bool

	cancel context.CancelFunc
	done   chan struct{}
	lostCh chan struct{}
	once   sync.Once
	err    error
	log    logging.Logger
}

func (k *kvLease) Holder() string { return k.owner.Holder }

func (k *kvLease) Lost() <-chan struct{} { return k.lostCh }

func (k *kvLease) renew(ctx context.Context, every time.Duration) {
	defer close(k.done)
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.mu.Lock()
			rev, err := k.kv.Update(ctx, k.key, k.value, k.revision)
			if err == nil {
				k.revision = rev
			}
			k.mu.Unlock()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				k.mu.Lock()
				k.lost = true
				k.mu.Unlock()
				close(k.lostCh)
				k.log.Warn("run lease lost", "job", k.key, "error", err)
				return
			}
		}
	}
}

func (k *kvLease) Release(ctx context.Context) error {
	k.once.Do(func() {
		k.cancel()
		<-k.done

		k.mu.Lock()
		rev, lost := k.revision, k.lost
		k.mu.Unlock()
		if lost {
			return
		}
		err := k.kv.Delete(ctx, k.key, jetstream.LastRevision(rev))
		if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			k.err = fmt.Errorf("release lease %s: %w", k.key, err)
		}
	})
	return k.err
}
