package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct {
	up    atomic.Bool
	calls atomic.Int32
}

func (p *fakePinger) Ping(ctx context.Context) error {
	p.calls.Add(1)
	if p.up.Load() {
		return nil
	}
	return errors.New("connection refused")
}

func TestProber_Probe(t *testing.T) {
	pinger := &fakePinger{}
	b := NewBridge(true, nil)
	rec := &recorder{}
	b.Subscribe(rec.handle)
	p := &Prober{Pinger: pinger, Bridge: b, Interval: time.Second}

	assert.False(t, p.Probe(t.Context()))
	assert.False(t, b.IsOnline())

	pinger.up.Store(true)
	assert.True(t, p.Probe(t.Context()))
	assert.True(t, p.Probe(t.Context()))

	assert.Equal(t, []Event{{Type: EventOffline}, {Type: EventOnline}}, rec.got())
}

func TestProber_Run(t *testing.T) {
	pinger := &fakePinger{}
	pinger.up.Store(true)
	b := NewBridge(false, nil)
	p := &Prober{Pinger: pinger, Bridge: b, Interval: 5 * time.Millisecond}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return pinger.calls.Load() >= 3 }, time.Second, time.Millisecond)
	assert.True(t, b.IsOnline())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("prober did not stop")
	}
}
