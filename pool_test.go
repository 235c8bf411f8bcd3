package peerbridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, f *countingFactory) *EncoderPool {
	t.Helper()
	p := NewEncoderPool(PoolConfig{Factory: f.New})
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func encodeN(t *testing.T, sub *Subscription, n int) {
	t.Helper()
	frame := NewI420Frame(640, 480)
	for i := 0; i < n; i++ {
		require.NoError(t, sub.Encode(context.Background(), frame))
	}
}

func TestPoolSharesEncoder(t *testing.T) {
	ctx := context.Background()
	f := &countingFactory{}
	p := newTestPool(t, f)

	r1, r2 := &recorder{}, &recorder{}
	s1, err := p.Acquire(ctx, testEncoderConfig(), r1)
	require.NoError(t, err)
	s2, err := p.Acquire(ctx, testEncoderConfig(), r2)
	require.NoError(t, err)

	assert.Equal(t, s1.Signature(), s2.Signature())
	assert.Same(t, s1.Controller(), s2.Controller())
	assert.NotEqual(t, s1.ID(), s2.ID())
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, int32(1), f.created.Load())
	assert.Equal(t, 2, s1.Controller().SubscriberCount())

	encodeN(t, s1, 5)

	u1, m1 := r1.received()
	u2, m2 := r2.received()
	require.Len(t, u1, 5)
	assert.Equal(t, u1, u2, "subscribers receive byte-identical units")
	for i := range m1 {
		assert.Equal(t, uint64(i+1), m1[i].Sequence)
		assert.Equal(t, m1[i].Sequence, m2[i].Sequence)
		assert.Equal(t, s1.Signature(), m1[i].Signature)
	}
	assert.Equal(t, FrameTypeKey, m1[0].FrameType)
	assert.Equal(t, "frame-0-Key", string(u1[0]))
	assert.Equal(t, "frame-4-Delta", string(u1[4]), "buffer reuse by the encoder must not leak into delivered units")

	c := s1.Controller()
	require.NoError(t, s1.Release(ctx))
	assert.Equal(t, ControllerRunning, c.State())
	require.NoError(t, s2.Release(ctx))

	assert.Equal(t, ControllerTerminated, c.State())
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, int32(1), f.closed.Load())
	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed after last release")
	}
}

func TestPoolConcurrentAcquireSpawnsOnce(t *testing.T) {
	const n = 32
	f := &countingFactory{gate: make(chan struct{})}
	p := newTestPool(t, f)

	subs := make([]*Subscription, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			subs[i], errs[i] = p.Acquire(context.Background(), testEncoderConfig(), &recorder{})
		}(i)
	}

	// Let every Acquire reach the spawning controller before it is ready.
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
	}
	assert.Equal(t, int32(1), f.created.Load())
	assert.Equal(t, uint64(1), p.Spawned())
	assert.Equal(t, n, subs[0].Controller().SubscriberCount())
}

func TestPoolSpawnFailure(t *testing.T) {
	const n = 8
	cause := errors.New("no hardware encoder")
	f := &countingFactory{gate: make(chan struct{})}
	f.failWith(cause)
	p := newTestPool(t, f)

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.Acquire(context.Background(), testEncoderConfig(), &recorder{})
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, ErrResourceInitFailed)
		assert.ErrorIs(t, err, cause)
	}
	assert.Equal(t, int32(1), f.created.Load(), "waiters share the failed spawn")
	assert.Equal(t, 0, p.Len())

	// Retrying spawns a fresh controller.
	f.fail.Store(nil)
	sub, err := p.Acquire(context.Background(), testEncoderConfig(), &recorder{})
	require.NoError(t, err)
	assert.Equal(t, ControllerRunning, sub.Controller().State())
	assert.Equal(t, uint64(2), p.Spawned())
}

func TestPoolFactoryPanic(t *testing.T) {
	p := NewEncoderPool(PoolConfig{Factory: func(EncoderConfig) (VideoEncoder, error) {
		panic("driver crashed")
	}})
	_, err := p.Acquire(context.Background(), testEncoderConfig(), &recorder{})
	assert.ErrorIs(t, err, ErrResourceInitFailed)
	assert.Equal(t, 0, p.Len())
}

func TestPoolSubscriberFailureIsolated(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, &countingFactory{})

	good1 := &recorder{}
	bad := &recorder{fail: errors.New("track gone")}
	good2 := &recorder{}
	panicky := &recorder{panic: true}

	var subs []*Subscription
	for _, r := range []*recorder{good1, bad, good2, panicky} {
		s, err := p.Acquire(ctx, testEncoderConfig(), r)
		require.NoError(t, err)
		subs = append(subs, s)
	}

	require.NoError(t, subs[0].Encode(ctx, NewI420Frame(640, 480)))

	u1, _ := good1.received()
	u2, _ := good2.received()
	assert.Len(t, u1, 1)
	assert.Len(t, u2, 1)

	stats := subs[0].Controller().Stats()
	assert.Equal(t, uint64(1), stats.UnitsProduced)
	assert.Equal(t, uint64(2), stats.SubscriberFailures)
	assert.Equal(t, 4, stats.Subscribers, "failing subscribers stay attached")
}

func TestPoolReleaseIdempotent(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, &countingFactory{})

	keep, err := p.Acquire(ctx, testEncoderConfig(), &recorder{})
	require.NoError(t, err)
	sub, err := p.Acquire(ctx, testEncoderConfig(), &recorder{})
	require.NoError(t, err)

	require.NoError(t, sub.Release(ctx))
	require.NoError(t, sub.Release(ctx))
	assert.True(t, sub.Released())
	assert.Equal(t, 1, keep.Controller().SubscriberCount())

	assert.ErrorIs(t, sub.Encode(ctx, NewI420Frame(640, 480)), ErrSubscriptionReleased)

	require.NoError(t, keep.Release(ctx))
	require.NoError(t, keep.Release(ctx))
	assert.Equal(t, 0, keep.Controller().SubscriberCount())
}

func TestPoolReacquireAfterTerminate(t *testing.T) {
	ctx := context.Background()
	f := &countingFactory{}
	p := newTestPool(t, f)

	s1, err := p.Acquire(ctx, testEncoderConfig(), &recorder{})
	require.NoError(t, err)
	first := s1.Controller()
	require.NoError(t, s1.Release(ctx))

	s2, err := p.Acquire(ctx, testEncoderConfig(), &recorder{})
	require.NoError(t, err)
	assert.NotSame(t, first, s2.Controller())
	assert.Equal(t, ControllerTerminated, first.State())
	assert.Equal(t, int32(2), f.created.Load())
}

func TestPoolAcquireReleaseChurn(t *testing.T) {
	p := newTestPool(t, &countingFactory{})

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				s, err := p.Acquire(context.Background(), testEncoderConfig(), &recorder{})
				if !assert.NoError(t, err) {
					return
				}
				assert.NoError(t, s.Release(context.Background()))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, p.Len())
}

func TestPoolDistinctSignatures(t *testing.T) {
	ctx := context.Background()
	f := &countingFactory{}
	p := newTestPool(t, f)

	low := testEncoderConfig()
	high := testEncoderConfig()
	high.BitrateBps = 4_000_000

	a, err := p.Acquire(ctx, low, &recorder{})
	require.NoError(t, err)
	b, err := p.Acquire(ctx, high, &recorder{})
	require.NoError(t, err)

	assert.NotEqual(t, a.Signature(), b.Signature())
	assert.Equal(t, 2, p.Len())
	assert.Equal(t, int32(2), f.created.Load())

	c, ok := p.Lookup(Signature(high))
	require.True(t, ok)
	assert.Same(t, b.Controller(), c)
	assert.Len(t, p.Controllers(), 2)
}

func TestPoolLateJoinerGetsKeyframe(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, &countingFactory{})

	early := &recorder{}
	s1, err := p.Acquire(ctx, testEncoderConfig(), early)
	require.NoError(t, err)
	encodeN(t, s1, 3)

	late := &recorder{}
	_, err = p.Acquire(ctx, testEncoderConfig(), late)
	require.NoError(t, err)
	encodeN(t, s1, 1)

	_, metas := late.received()
	require.Len(t, metas, 1)
	assert.Equal(t, FrameTypeKey, metas[0].FrameType)
	assert.Equal(t, uint64(4), metas[0].Sequence)
}

func TestPoolKeyframeInterval(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, &countingFactory{})

	cfg := testEncoderConfig()
	cfg.KeyframeInterval = 3
	r := &recorder{}
	s, err := p.Acquire(ctx, cfg, r)
	require.NoError(t, err)
	encodeN(t, s, 7)

	_, metas := r.received()
	var keys []uint64
	for _, m := range metas {
		if m.FrameType == FrameTypeKey {
			keys = append(keys, m.Sequence)
		}
	}
	assert.Equal(t, []uint64{1, 4, 7}, keys)
	assert.Equal(t, int32(3), s.Controller().encoder.(*fakeEncoder).keyframes.Load())
}

func TestPoolRequestKeyframe(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, &countingFactory{})

	r := &recorder{}
	s, err := p.Acquire(ctx, testEncoderConfig(), r)
	require.NoError(t, err)
	encodeN(t, s, 2)
	s.RequestKeyframe()
	encodeN(t, s, 1)

	_, metas := r.received()
	require.Len(t, metas, 3)
	assert.Equal(t, FrameTypeDelta, metas[1].FrameType)
	assert.Equal(t, FrameTypeKey, metas[2].FrameType)
}

func TestPoolEncodeError(t *testing.T) {
	ctx := context.Background()
	p := NewEncoderPool(PoolConfig{Factory: func(cfg EncoderConfig) (VideoEncoder, error) {
		e := &fakeEncoder{cfg: cfg, factory: &countingFactory{}}
		e.failNext.Store(true)
		return e, nil
	}})
	defer p.Close(ctx)

	r := &recorder{}
	s, err := p.Acquire(ctx, testEncoderConfig(), r)
	require.NoError(t, err)

	assert.Error(t, s.Encode(ctx, NewI420Frame(640, 480)))
	require.NoError(t, s.Encode(ctx, NewI420Frame(640, 480)))
	assert.Equal(t, uint64(1), s.Controller().Stats().EncodeErrors)

	units, _ := r.received()
	assert.Len(t, units, 1)

	assert.Error(t, s.Encode(ctx, &VideoFrame{}), "invalid frame")
}

func TestPoolSubmit(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, &countingFactory{})

	sig := Signature(testEncoderConfig())
	assert.ErrorIs(t, p.Submit(ctx, sig, NewI420Frame(640, 480)), ErrNoController)

	r := &recorder{}
	_, err := p.Acquire(ctx, testEncoderConfig(), r)
	require.NoError(t, err)
	require.NoError(t, p.Submit(ctx, sig, NewI420Frame(640, 480)))

	units, _ := r.received()
	assert.Len(t, units, 1)
}

func TestPoolAcquireValidates(t *testing.T) {
	p := newTestPool(t, &countingFactory{})

	_, err := p.Acquire(context.Background(), EncoderConfig{Codec: VideoCodecVP8}, &recorder{})
	assert.Error(t, err)
	_, err = p.Acquire(context.Background(), testEncoderConfig(), nil)
	assert.Error(t, err)
	assert.Equal(t, 0, p.Len())
}

func TestPoolAbandonedAcquireDrains(t *testing.T) {
	f := &countingFactory{gate: make(chan struct{})}
	p := newTestPool(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Acquire(ctx, testEncoderConfig(), &recorder{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	c, ok := p.Lookup(Signature(testEncoderConfig()))
	require.True(t, ok)
	close(f.gate)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("controller nobody attached to did not terminate")
	}
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, int32(1), f.closed.Load())
}

func TestPoolClose(t *testing.T) {
	ctx := context.Background()
	f := &countingFactory{}
	p := NewEncoderPool(PoolConfig{Factory: f.New})

	a, err := p.Acquire(ctx, testEncoderConfig(), &recorder{})
	require.NoError(t, err)
	other := testEncoderConfig()
	other.Width = 1280
	b, err := p.Acquire(ctx, other, &recorder{})
	require.NoError(t, err)

	require.NoError(t, p.Close(ctx))
	assert.Equal(t, ControllerTerminated, a.Controller().State())
	assert.Equal(t, ControllerTerminated, b.Controller().State())
	assert.Equal(t, int32(2), f.closed.Load())
	assert.Equal(t, 0, p.Len())

	_, err = p.Acquire(ctx, testEncoderConfig(), &recorder{})
	assert.ErrorIs(t, err, ErrPoolClosed)

	// Releasing after the pool closed is still fine.
	assert.NoError(t, a.Release(ctx))
}

func TestPoolEvents(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	var events []ControllerEvent
	p := NewEncoderPool(PoolConfig{
		Factory: (&countingFactory{}).New,
		OnEvent: func(e ControllerEvent) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		},
	})
	defer p.Close(ctx)

	s1, err := p.Acquire(ctx, testEncoderConfig(), &recorder{})
	require.NoError(t, err)
	s2, err := p.Acquire(ctx, testEncoderConfig(), &recorder{})
	require.NoError(t, err)
	require.NoError(t, s1.Release(ctx))
	require.NoError(t, s1.Release(ctx))
	require.NoError(t, s2.Release(ctx))

	mu.Lock()
	defer mu.Unlock()

	var states []ControllerState
	var counts []int
	for _, e := range events {
		assert.GreaterOrEqual(t, e.Subscribers, 0)
		if len(states) == 0 || states[len(states)-1] != e.State {
			states = append(states, e.State)
		}
		if e.State == ControllerRunning {
			counts = append(counts, e.Subscribers)
		}
	}
	assert.Equal(t, []ControllerState{ControllerSpawning, ControllerRunning, ControllerDraining, ControllerTerminated}, states)
	assert.Equal(t, []int{0, 1, 2, 1, 0}, counts)
}

func TestControllerState_String(t *testing.T) {
	assert.Equal(t, "spawning", ControllerSpawning.String())
	assert.Equal(t, "running", ControllerRunning.String())
	assert.Equal(t, "draining", ControllerDraining.String())
	assert.Equal(t, "terminated", ControllerTerminated.String())
	assert.Equal(t, "unknown", ControllerState(9).String())
}

func TestPoolRejectsMismatchedFrame(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, &countingFactory{})

	r := &recorder{}
	s, err := p.Acquire(ctx, testEncoderConfig(), r)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Encode(ctx, NewI420Frame(320, 240)), ErrFrameMismatch)

	short := NewI420Frame(640, 480)
	short.Data[0] = short.Data[0][:640*240]
	assert.ErrorIs(t, s.Encode(ctx, short), ErrFrameMismatch)
	assert.ErrorIs(t, s.Encode(ctx, &VideoFrame{}), ErrInvalidFrame)

	units, _ := r.received()
	assert.Empty(t, units)
	assert.Equal(t, uint64(0), s.Controller().Stats().FramesSubmitted)

	encodeN(t, s, 1)
	units, _ = r.received()
	assert.Len(t, units, 1)
}

func TestPoolReleaseInsideReceive(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, &countingFactory{})

	var sub *Subscription
	released := make(chan error, 1)
	s, err := p.Acquire(ctx, testEncoderConfig(), SubscriberFunc(func(*EncodedFrame, UnitMetadata) error {
		released <- sub.Release(context.Background())
		return nil
	}))
	require.NoError(t, err)
	sub = s

	require.NoError(t, s.Encode(ctx, NewI420Frame(640, 480)))
	select {
	case err := <-released:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Release inside Receive did not return")
	}

	select {
	case <-s.Controller().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not drain after its only subscriber released")
	}
	assert.True(t, s.Released())
	assert.Equal(t, 0, p.Len())
	assert.NoError(t, s.Release(ctx))
}
