// Package pool caches transport clients by channel and key, evicting them
// after a TTL that is refreshed on every access.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
	"golang.org/x/sync/singleflight"
)

// Default TTLs per channel.
const (
	DefaultTokenTTL = time.Hour
	DefaultCertTTL  = 24 * time.Hour
)

// DefaultCreateTimeout bounds a shared client creation.
const DefaultCreateTimeout = 30 * time.Second

type key struct {
	channel dispatch.ChannelType
	id      string
}

func (k key) String() string {
	return string(k.channel) + "/" + k.id
}

type entry struct {
	client *pooledClient
	ttl    time.Duration
	timer  *time.Timer
	// gen is bumped on every re-arm so a timer that fired while the lock was
	// held for a refresh does not evict the entry.
	gen uint64
}

// Pool resolves clients, creating them through the registered drivers on a
// cache miss.
type Pool struct {
	drivers map[dispatch.ChannelType]dispatch.Driver
	logger  *slog.Logger

	createTimeout time.Duration

	mu      sync.Mutex
	entries map[key]*entry
	group   singleflight.Group
}

// Option configures a Pool.
type Option func(*Pool)

// WithCreateTimeout bounds how long a shared creation may run once every
// caller waiting on it has given up.
func WithCreateTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.createTimeout = d
		}
	}
}

// New creates a pool over the given drivers.
func New(logger *slog.Logger, drivers ...dispatch.Driver) *Pool {
	return NewWithOptions(logger, drivers)
}

// NewWithOptions creates a pool over the given drivers with options applied.
func NewWithOptions(logger *slog.Logger, drivers []dispatch.Driver, opts ...Option) *Pool {
	p := &Pool{
		drivers:       make(map[dispatch.ChannelType]dispatch.Driver, len(drivers)),
		entries:       make(map[key]*entry),
		logger:        logger.With("component", "ClientPool"),
		createTimeout: DefaultCreateTimeout,
	}
	for _, d := range drivers {
		p.drivers[d.Channel()] = d
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Resolve returns the cached client for (channel, cache.Key) or creates one.
// Every cache hit re-arms the entry's TTL from now.
func (p *Pool) Resolve(ctx context.Context, channel dispatch.ChannelType, cfg dispatch.ChannelConfig, cache dispatch.CacheOptions) (dispatch.Client, error) {
	driver, ok := p.drivers[channel]
	if !ok {
		return nil, dispatch.NewError(dispatch.KindUnsupportedChannel, channel, "client type not supported")
	}

	if cache.Disabled {
		return driver.Create(ctx, cfg)
	}

	k := key{channel: channel, id: cache.Key}
	if k.id == "" {
		k.id = dispatch.DefaultCacheKey
	}
	ttl := cache.TTL
	if ttl == 0 {
		ttl = defaultTTL(channel)
	}

	if c := p.lookup(k); c != nil {
		return c, nil
	}

	// The creation outlives any one caller's ctx; each caller stops waiting
	// on its own.
	ch := p.group.DoChan(k.String(), func() (any, error) {
		// A concurrent flight may have registered the client already.
		if c := p.lookup(k); c != nil {
			return c, nil
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.createTimeout)
		defer cancel()
		client, err := driver.Create(cctx, cfg)
		if err != nil {
			return nil, err
		}
		return p.register(k, client, ttl), nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(dispatch.Client), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports the number of cached clients.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close destroys every cached client.
func (p *Pool) Close() {
	p.mu.Lock()
	clients := make([]*pooledClient, 0, len(p.entries))
	for _, e := range p.entries {
		clients = append(clients, e.client)
	}
	p.mu.Unlock()

	for _, c := range clients {
		_ = c.Close()
	}
}

func (p *Pool) lookup(k key) dispatch.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[k]
	if !ok {
		return nil
	}
	select {
	case <-e.client.Done():
		// Destroyed before the watcher got to it.
		p.removeLocked(k, e)
		return nil
	default:
	}
	if e.timer != nil {
		p.armLocked(k, e)
	}
	return e.client
}

func (p *Pool) register(k key, client dispatch.Client, ttl time.Duration) *pooledClient {
	pc := &pooledClient{Client: client, pool: p, key: k}
	e := &entry{client: pc, ttl: ttl}
	pc.entry = e

	// Creation is single-flight and runs only after lookup found no live
	// entry, so nothing is displaced here.
	p.mu.Lock()
	p.entries[k] = e
	if ttl > 0 {
		p.armLocked(k, e)
	}
	p.mu.Unlock()

	go p.watch(k, e)

	p.logger.Debug("Client cached", "key", k.String(), "ttl", ttl)
	return pc
}

// armLocked (re)starts the entry's TTL timer. Caller holds p.mu.
func (p *Pool) armLocked(k key, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(e.ttl, func() { p.expire(k, e, gen) })
}

func (p *Pool) expire(k key, e *entry, gen uint64) {
	p.mu.Lock()
	current, ok := p.entries[k]
	if !ok || current != e || e.gen != gen {
		p.mu.Unlock()
		return
	}
	p.removeLocked(k, e)
	p.mu.Unlock()

	p.logger.Debug("Client expired", "key", k.String())
	p.destroyQuietly(k, e.client)
}

func (p *Pool) destroyQuietly(k key, c dispatch.Client) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("Client destroy panicked during expiry", "key", k.String(), "panic", fmt.Sprint(r))
		}
	}()
	if err := c.Close(); err != nil {
		p.logger.Warn("Client destroy failed during expiry", "key", k.String(), "err", err)
	}
}

// watch evicts the entry when the client destroys itself.
func (p *Pool) watch(k key, e *entry) {
	<-e.client.Done()
	p.evict(k, e)
}

func (p *Pool) evict(k key, e *entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if current, ok := p.entries[k]; ok && current == e {
		p.removeLocked(k, e)
	}
}

// removeLocked drops the entry and stops its timer. Caller holds p.mu.
func (p *Pool) removeLocked(k key, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
	if current, ok := p.entries[k]; ok && current == e {
		delete(p.entries, k)
	}
}

func defaultTTL(channel dispatch.ChannelType) time.Duration {
	if channel == dispatch.ChannelCert {
		return DefaultCertTTL
	}
	return DefaultTokenTTL
}

// pooledClient clears the pool bookkeeping before releasing the underlying
// client. Close is safe to call any number of times.
type pooledClient struct {
	dispatch.Client
	pool  *Pool
	key   key
	entry *entry
	once  sync.Once
}

func (c *pooledClient) Close() error {
	var err error
	c.once.Do(func() {
		c.pool.evict(c.key, c.entry)
		err = c.Client.Close()
	})
	return err
}
