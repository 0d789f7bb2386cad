package pool_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-dispatch/internal/pool"
	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Fakes ---

type fakeClient struct {
	channel dispatch.ChannelType
	closes  atomic.Int32
	once    sync.Once
	done    chan struct{}
	panics  bool
}

func newFakeClient(channel dispatch.ChannelType) *fakeClient {
	return &fakeClient{channel: channel, done: make(chan struct{})}
}

func (c *fakeClient) Channel() dispatch.ChannelType { return c.channel }

func (c *fakeClient) Send(context.Context, []string, *dispatch.Notification, dispatch.Payload, *dispatch.SendOptions) (*dispatch.Result, error) {
	return &dispatch.Result{MessageID: "ok"}, nil
}

func (c *fakeClient) Close() error {
	c.closes.Add(1)
	c.once.Do(func() { close(c.done) })
	if c.panics {
		panic("boom")
	}
	return nil
}

func (c *fakeClient) Done() <-chan struct{} { return c.done }

type fakeDriver struct {
	channel dispatch.ChannelType
	creates atomic.Int32
	delay   time.Duration
	err     error
	panics  bool

	mu      sync.Mutex
	clients []*fakeClient
}

func (d *fakeDriver) Channel() dispatch.ChannelType { return d.channel }

func (d *fakeDriver) Create(ctx context.Context, _ dispatch.ChannelConfig) (dispatch.Client, error) {
	d.creates.Add(1)
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeClient(d.channel)
	c.panics = d.panics
	d.mu.Lock()
	d.clients = append(d.clients, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDriver) last() *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[len(d.clients)-1]
}

// --- Tests ---

func TestResolve_Caching(t *testing.T) {
	ctx := context.Background()

	t.Run("Success - same key returns same instance with one create", func(t *testing.T) {
		driver := &fakeDriver{channel: dispatch.ChannelToken}
		p := pool.New(newTestLogger(), driver)

		first, err := p.Resolve(ctx, dispatch.ChannelToken, dispatch.ChannelConfig{}, dispatch.CacheOptions{})
		require.NoError(t, err)
		second, err := p.Resolve(ctx, dispatch.ChannelToken, dispatch.ChannelConfig{}, dispatch.CacheOptions{})
		require.NoError(t, err)

		assert.Same(t, first, second)
		assert.Equal(t, int32(1), driver.creates.Load())
		assert.Equal(t, 1, p.Len())
	})

	t.Run("Success - distinct keys get distinct clients", func(t *testing.T) {
		driver := &fakeDriver{channel: dispatch.ChannelToken}
		p := pool.New(newTestLogger(), driver)

		a, err := p.Resolve(ctx, dispatch.ChannelToken, dispatch.ChannelConfig{}, dispatch.CacheOptions{Key: "a"})
		require.NoError(t, err)
		b, err := p.Resolve(ctx, dispatch.ChannelToken, dispatch.ChannelConfig{}, dispatch.CacheOptions{Key: "b"})
		require.NoError(t, err)

		assert.NotSame(t, a, b)
		assert.Equal(t, 2, p.Len())
	})

	t.Run("Success - disabled cache always creates", func(t *testing.T) {
		driver := &fakeDriver{channel: dispatch.ChannelCert}
		p := pool.New(newTestLogger(), driver)

		_, err := p.Resolve(ctx, dispatch.ChannelCert, dispatch.ChannelConfig{}, dispatch.CacheOptions{Disabled: true})
		require.NoError(t, err)
		_, err = p.Resolve(ctx, dispatch.ChannelCert, dispatch.ChannelConfig{}, dispatch.CacheOptions{Disabled: true})
		require.NoError(t, err)

		assert.Equal(t, int32(2), driver.creates.Load())
		assert.Equal(t, 0, p.Len())
	})

	t.Run("Failure - unsupported channel", func(t *testing.T) {
		p := pool.New(newTestLogger(), &fakeDriver{channel: dispatch.ChannelToken})
		_, err := p.Resolve(ctx, dispatch.ChannelCert, dispatch.ChannelConfig{}, dispatch.CacheOptions{})
		assert.ErrorIs(t, err, dispatch.ErrUnsupportedChannel)
	})

	t.Run("Failure - driver error passes through and nothing is cached", func(t *testing.T) {
		driverErr := dispatch.NewError(dispatch.KindInvalidCredentials, dispatch.ChannelToken, "missing key")
		p := pool.New(newTestLogger(), &fakeDriver{channel: dispatch.ChannelToken, err: driverErr})

		_, err := p.Resolve(ctx, dispatch.ChannelToken, dispatch.ChannelConfig{}, dispatch.CacheOptions{})
		assert.Same(t, driverErr, err)
		assert.Equal(t, 0, p.Len())
	})
}

func TestResolve_ConcurrentCreationIsSingleFlight(t *testing.T) {
	driver := &fakeDriver{channel: dispatch.ChannelCert, delay: 50 * time.Millisecond}
	p := pool.New(newTestLogger(), driver)

	const callers = 10
	results := make([]dispatch.Client, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := p.Resolve(context.Background(), dispatch.ChannelCert, dispatch.ChannelConfig{}, dispatch.CacheOptions{})
			assert.NoError(t, err)
			results[i] = c
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), driver.creates.Load())
	for _, c := range results {
		assert.Same(t, results[0], c)
	}
}

func TestResolve_TTL(t *testing.T) {
	ctx := context.Background()

	t.Run("Idle client expires and is destroyed", func(t *testing.T) {
		driver := &fakeDriver{channel: dispatch.ChannelToken}
		p := pool.New(newTestLogger(), driver)
		cache := dispatch.CacheOptions{TTL: 100 * time.Millisecond}

		_, err := p.Resolve(ctx, dispatch.ChannelToken, dispatch.ChannelConfig{}, cache)
		require.NoError(t, err)
		first := driver.last()

		time.Sleep(150 * time.Millisecond)

		assert.Equal(t, 0, p.Len())
		assert.Equal(t, int32(1), first.closes.Load())

		_, err = p.Resolve(ctx, dispatch.ChannelToken, dispatch.ChannelConfig{}, cache)
		require.NoError(t, err)
		assert.Equal(t, int32(2), driver.creates.Load())
	})

	t.Run("Access resets the expiry deadline", func(t *testing.T) {
		driver := &fakeDriver{channel: dispatch.ChannelToken}
		p := pool.New(newTestLogger(), driver)
		cache := dispatch.CacheOptions{TTL: 200 * time.Millisecond}

		first, err := p.Resolve(ctx, dispatch.ChannelToken, dispatch.ChannelConfig{}, cache)
		require.NoError(t, err)

		time.Sleep(120 * time.Millisecond)
		again, err := p.Resolve(ctx, dispatch.ChannelToken, dispatch.ChannelConfig{}, cache)
		require.NoError(t, err)
		assert.Same(t, first, again)

		// 240ms after creation but only 120ms after the last access.
		time.Sleep(120 * time.Millisecond)
		assert.Equal(t, 1, p.Len())
		assert.Equal(t, int32(0), driver.last().closes.Load())

		require.Eventually(t, func() bool { return p.Len() == 0 }, time.Second, 10*time.Millisecond)
		assert.Equal(t, int32(1), driver.creates.Load())
	})

	t.Run("Negative TTL never expires", func(t *testing.T) {
		driver := &fakeDriver{channel: dispatch.ChannelCert}
		p := pool.New(newTestLogger(), driver)

		_, err := p.Resolve(ctx, dispatch.ChannelCert, dispatch.ChannelConfig{}, dispatch.CacheOptions{TTL: -1})
		require.NoError(t, err)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, p.Len())
	})

	t.Run("Panicking destroy is swallowed on expiry", func(t *testing.T) {
		driver := &fakeDriver{channel: dispatch.ChannelToken, panics: true}
		p := pool.New(newTestLogger(), driver)

		_, err := p.Resolve(ctx, dispatch.ChannelToken, dispatch.ChannelConfig{}, dispatch.CacheOptions{TTL: 20 * time.Millisecond})
		require.NoError(t, err)

		require.Eventually(t, func() bool { return driver.last().closes.Load() == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 0, p.Len())
	})
}

func TestResolve_CallerCancelDoesNotFailSharedCreation(t *testing.T) {
	driver := &fakeDriver{channel: dispatch.ChannelCert, delay: 100 * time.Millisecond}
	p := pool.New(newTestLogger(), driver)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := p.Resolve(ctxA, dispatch.ChannelCert, dispatch.ChannelConfig{}, dispatch.CacheOptions{})
		errA <- err
	}()
	// Let A start the flight before B joins it.
	require.Eventually(t, func() bool { return driver.creates.Load() == 1 }, time.Second, time.Millisecond)

	type result struct {
		client dispatch.Client
		err    error
	}
	resB := make(chan result, 1)
	go func() {
		c, err := p.Resolve(context.Background(), dispatch.ChannelCert, dispatch.ChannelConfig{}, dispatch.CacheOptions{})
		resB <- result{client: c, err: err}
	}()

	time.Sleep(10 * time.Millisecond)
	cancelA()

	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller did not return")
	}

	select {
	case r := <-resB:
		require.NoError(t, r.err)
		assert.NotNil(t, r.client)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not receive the client")
	}
	assert.Equal(t, int32(1), driver.creates.Load())
	assert.Equal(t, 1, p.Len())
}

func TestResolve_SharedCreationIsBoundedByCreateTimeout(t *testing.T) {
	driver := &fakeDriver{channel: dispatch.ChannelCert, delay: time.Second}
	p := pool.NewWithOptions(newTestLogger(), []dispatch.Driver{driver}, pool.WithCreateTimeout(20*time.Millisecond))

	_, err := p.Resolve(context.Background(), dispatch.ChannelCert, dispatch.ChannelConfig{}, dispatch.CacheOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, p.Len())
}

func TestClose_Idempotent(t *testing.T) {
	ctx := context.Background()
	driver := &fakeDriver{channel: dispatch.ChannelToken}
	p := pool.New(newTestLogger(), driver)

	client, err := p.Resolve(ctx, dispatch.ChannelToken, dispatch.ChannelConfig{}, dispatch.CacheOptions{})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		assert.NoError(t, client.Close())
		assert.NoError(t, client.Close())
	})
	assert.Equal(t, int32(1), driver.last().closes.Load())
	assert.Equal(t, 0, p.Len())

	// A new resolve creates a fresh client rather than returning the closed one.
	fresh, err := p.Resolve(ctx, dispatch.ChannelToken, dispatch.ChannelConfig{}, dispatch.CacheOptions{})
	require.NoError(t, err)
	assert.NotSame(t, client, fresh)

	// Closing the stale handle again must not evict the fresh entry.
	assert.NoError(t, client.Close())
	assert.Equal(t, 1, p.Len())
}

func TestSelfDestroyedClientIsEvicted(t *testing.T) {
	driver := &fakeDriver{channel: dispatch.ChannelCert}
	p := pool.New(newTestLogger(), driver)

	_, err := p.Resolve(context.Background(), dispatch.ChannelCert, dispatch.ChannelConfig{}, dispatch.CacheOptions{})
	require.NoError(t, err)

	// Simulate connection loss: the underlying client closes itself.
	require.NoError(t, driver.last().Close())

	require.Eventually(t, func() bool { return p.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPoolClose(t *testing.T) {
	driver := &fakeDriver{channel: dispatch.ChannelToken}
	p := pool.New(newTestLogger(), driver)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		_, err := p.Resolve(ctx, dispatch.ChannelToken, dispatch.ChannelConfig{}, dispatch.CacheOptions{Key: k})
		require.NoError(t, err)
	}
	p.Close()

	assert.Equal(t, 0, p.Len())
	driver.mu.Lock()
	defer driver.mu.Unlock()
	for _, c := range driver.clients {
		assert.Equal(t, int32(1), c.closes.Load())
	}
}
