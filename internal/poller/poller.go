// Copyright (C) 2026 phurth
// License: AGPL-3.0-only

// Package poller drives periodic device refreshes and publishes each
// resulting snapshot.
package poller

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/phurth/hacs-adb-connector/internal/bridge"
)

// DefaultInterval is the refresh cadence when none is configured.
const DefaultInterval = 30 * time.Second

// Refresher is the slice of the coordinator the poller needs.
type Refresher interface {
	Refresh(ctx context.Context) (bridge.Snapshot, error)
}

// Poller runs Refresh on a fixed interval. Consecutive failures stretch the
// wait exponentially, capped at the configured interval, so an absent device
// is not hammered; the first success snaps the cadence back.
type Poller struct {
	refresher Refresher
	interval  time.Duration
	publish   func(bridge.Snapshot)
	onError   func(error)

	retry *backoff.ExponentialBackOff
}

// Option tweaks a Poller.
type Option func(*Poller)

// WithInterval overrides the refresh cadence.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithErrorHandler installs a callback invoked on each failed refresh.
func WithErrorHandler(fn func(error)) Option {
	return func(p *Poller) { p.onError = fn }
}

// New builds a poller that delivers snapshots to publish.
func New(r Refresher, publish func(bridge.Snapshot), opts ...Option) *Poller {
	p := &Poller{
		refresher: r,
		interval:  DefaultInterval,
		publish:   publish,
	}
	for _, opt := range opts {
		opt(p)
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = p.interval / 8
	if retry.InitialInterval < time.Second {
		retry.InitialInterval = time.Second
	}
	retry.MaxInterval = p.interval
	p.retry = retry
	return p
}

// Run polls until ctx is cancelled. The first refresh happens immediately.
func (p *Poller) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		timer.Reset(p.step(ctx))
	}
}

// step performs one refresh and returns the wait before the next.
func (p *Poller) step(ctx context.Context) time.Duration {
	snap, err := p.refresher.Refresh(ctx)
	if err != nil {
		if p.onError != nil {
			p.onError(err)
		}
		next := p.retry.NextBackOff()
		if next > p.interval {
			next = p.interval
		}
		return next
	}
	p.retry.Reset()
	if p.publish != nil {
		p.publish(snap)
	}
	return p.interval
}
