package zvol

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/cuemby/zvol/pkg/events"
	"github.com/cuemby/zvol/pkg/log"
	"github.com/cuemby/zvol/pkg/metrics"
	"github.com/cuemby/zvol/pkg/storage"
	"github.com/cuemby/zvol/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// errContended signals a try-lock failure that must be retried after a
// yield, in place of blocking against the lock order.
var errContended = errors.New("lock contended")

// Registry is the set of volumes, indexed by name hash and by device token
type Registry struct {
	pool   *storage.Pool
	broker *events.Broker
	cfg    Config
	logger zerolog.Logger
	disp   *Dispatcher

	mu        sync.RWMutex
	byHash    map[uint64][]*Volume
	devices   map[Token]*Volume
	minors    int
	nextMinor uint64
	nextToken Token
	closing   bool // no new volumes once Close has started
	closed    bool
}

// NewRegistry creates an empty registry serving volumes of pool. Events are
// published to broker when it is non-nil.
func NewRegistry(pool *storage.Pool, broker *events.Broker, cfg Config) *Registry {
	cfg = cfg.withDefaults()
	r := &Registry{
		pool:    pool,
		broker:  broker,
		cfg:     cfg,
		logger:  log.WithComponent("zvol"),
		byHash:  make(map[uint64][]*Volume),
		devices: make(map[Token]*Volume),
	}
	r.disp = NewDispatcher(cfg.Threads)
	r.disp.Start()
	metrics.UpdateComponent("registry", true, "")
	return r
}

// Pool returns the storage pool backing the registry
func (r *Registry) Pool() *storage.Pool {
	return r.pool
}

func nameHash(name string) uint64 {
	return xxhash.Sum64String(name)
}

func (r *Registry) findLocked(name string) *Volume {
	for _, v := range r.byHash[nameHash(name)] {
		if v.name == name {
			return v
		}
	}
	return nil
}

func (r *Registry) insertLocked(v *Volume) {
	h := nameHash(v.name)
	r.byHash[h] = append(r.byHash[h], v)
	r.devices[v.device.Token()] = v
	r.minors++
	metrics.Minors.Set(float64(r.minors))
}

func (r *Registry) unhashLocked(v *Volume) {
	h := nameHash(v.name)
	chain := r.byHash[h]
	for i, cur := range chain {
		if cur == v {
			chain = append(chain[:i], chain[i+1:]...)
			break
		}
	}
	if len(chain) == 0 {
		delete(r.byHash, h)
	} else {
		r.byHash[h] = chain
	}
}

func (r *Registry) removeLocked(v *Volume) {
	r.unhashLocked(v)
	delete(r.devices, v.device.Token())
	r.minors--
	assertf(r.minors >= 0, "minor count went negative")
	metrics.Minors.Set(float64(r.minors))
}

// resolve maps a device token to its volume, nil once the token is cleared
func (r *Registry) resolve(tok Token) *Volume {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[tok]
}

// Lookup returns a snapshot of the named volume
func (r *Registry) Lookup(name string) (types.VolumeInfo, error) {
	r.mu.RLock()
	v := r.findLocked(name)
	r.mu.RUnlock()
	if v == nil {
		return types.VolumeInfo{}, fmt.Errorf("%w: %s", ErrNoSuchDevice, name)
	}
	return v.info(), nil
}

// List returns snapshots of all volumes ordered by name
func (r *Registry) List() []types.VolumeInfo {
	r.mu.RLock()
	vols := make([]*Volume, 0, r.minors)
	for _, chain := range r.byHash {
		vols = append(vols, chain...)
	}
	r.mu.RUnlock()

	infos := make([]types.VolumeInfo, 0, len(vols))
	for _, v := range vols {
		infos = append(infos, v.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Minors returns the number of registered volumes
func (r *Registry) Minors() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.minors
}

// Busy reports whether any volume is registered
func (r *Registry) Busy() bool {
	return r.Minors() != 0
}

// Close removes every volume, waiting for open handles to drain, and stops
// the dispatcher.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closing = true
	var names []string
	for _, chain := range r.byHash {
		for _, v := range chain {
			names = append(names, v.name)
		}
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			err := r.Remove(gctx, name)
			if errors.Is(err, ErrNoSuchDevice) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to remove volumes: %w", err)
	}

	r.mu.Lock()
	assertf(r.minors == 0, "registry closed with %d volumes", r.minors)
	r.closed = true
	r.mu.Unlock()

	r.disp.Stop()
	metrics.UpdateComponent("registry", false, "closed")
	r.logger.Info().Msg("registry closed")
	return nil
}

// retry runs op until it stops reporting contention, yielding between
// attempts.
func (r *Registry) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 0

	return backoff.RetryNotify(func() error {
		err := op()
		if err == nil || errors.Is(err, errContended) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx), func(err error, d time.Duration) {
		runtime.Gosched()
		r.logger.Debug().Dur("wait", d).Msg("lock contended, retrying")
	})
}

func (r *Registry) publish(typ events.EventType, name, msg string, meta map[string]string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{
		Type:     typ,
		Volume:   name,
		Message:  msg,
		Metadata: meta,
	})
}
