// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchbuild

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/codehost/codehost/lib/dispatchbuild/scheduler"
	"github.com/codehost/codehost/sdk/go/ctxlog"
	"github.com/codehost/codehost/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// While the queue is idle, the cluster gauges are refreshed at most
// this often.
const clusterObserveInterval = time.Minute

// Poller consumes the build queue with ReceiveMessage in a loop,
// feeding each batch to the dispatcher. It implements
// service.Handler.
type Poller struct {
	*Dispatcher

	// Minimum and maximum delay after a ReceiveMessage error.
	// Zero means defaults.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	httpHandler    http.Handler
	mReceiveErrors prometheus.Counter

	startOnce sync.Once
	stop      context.CancelFunc
	stopped   chan struct{}

	mtx     sync.Mutex
	lastErr error // most recent ReceiveMessage error, reset on success
}

// Start sets up the dispatcher and starts polling in a background
// goroutine. It can be called multiple times with no ill effect.
func (p *Poller) Start() {
	p.startOnce.Do(p.setup)
}

func (p *Poller) setup() {
	p.stopped = make(chan struct{})
	err := p.Dispatcher.Start()
	mux := httprouter.New()
	mux.Handler("GET", "/metrics", httpserver.MetricsHandler(p.Registry, p.Config.ManagementToken, p.baseLogger()))
	p.httpHandler = mux
	if err != nil {
		p.baseLogger().WithError(err).Error("dispatcher setup failed")
		close(p.stopped)
		return
	}
	p.mReceiveErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "codehost",
		Subsystem: "dispatch",
		Name:      "receive_errors_total",
		Help:      "Number of failed ReceiveMessage calls.",
	})
	p.Registry.MustRegister(p.mReceiveErrors)
	var ctx context.Context
	ctx, p.stop = context.WithCancel(p.Context)
	go p.run(ctx)
}

// ServeHTTP implements service.Handler.
func (p *Poller) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.Start()
	p.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler. It returns an error if the
// dispatcher could not be set up, or the most recent attempt to read
// the queue failed.
func (p *Poller) CheckHealth() error {
	p.Start()
	if err := p.Dispatcher.CheckHealth(); err != nil {
		return err
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.lastErr
}

// Done implements service.Handler.
func (p *Poller) Done() <-chan struct{} {
	p.Start()
	return p.stopped
}

// Close stops polling, waits for the current batch to finish, and
// releases resources.
func (p *Poller) Close() {
	p.Start()
	if p.stop != nil {
		p.stop()
	}
	<-p.stopped
	p.Dispatcher.Close()
}

func (p *Poller) setLastErr(err error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.lastErr = err
}

func (p *Poller) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	if p.MinBackoff > 0 {
		bo.InitialInterval = p.MinBackoff
	}
	if p.MaxBackoff > 0 {
		bo.MaxInterval = p.MaxBackoff
	}
	// Never give up.
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.stopped)
	logger := ctxlog.FromContext(ctx)
	cfg := p.Config.BuildQueue
	bo := p.newBackOff()
	var lastObserved time.Time
	for ctx.Err() == nil {
		recs, err := p.queue.Receive(ctx, cfg.ReceiveMaxMessages, cfg.ReceiveWaitTime.Duration())
		if ctx.Err() != nil {
			break
		} else if err != nil {
			p.setLastErr(err)
			p.mReceiveErrors.Inc()
			delay := bo.NextBackOff()
			logger.WithError(err).WithField("Delay", delay).Warn("error receiving from build queue")
			sleep(ctx, delay)
			continue
		}
		p.setLastErr(nil)
		bo.Reset()
		if len(recs) == 0 {
			if time.Since(lastObserved) >= clusterObserveInterval {
				lastObserved = time.Now()
				if err := p.observeCluster(ctx); err != nil && ctx.Err() == nil {
					logger.WithError(err).Warn("error reading build cluster statistics")
				}
			}
			continue
		}
		res := p.RunBatch(ctx, recs)
		if res.Err == nil {
			continue
		}
		// Make unprocessed records visible again at the same
		// time as the deferred one, rather than after the
		// queue's full visibility timeout.
		for _, rec := range res.Unprocessed {
			if err := p.queue.ExtendVisibility(ctx, rec, cfg.DeferVisibilityTimeout.Duration()); err != nil {
				logger.WithError(err).WithField("MessageID", rec.MessageID).Warn("error releasing unprocessed record")
			}
		}
		var delay time.Duration
		if errors.Is(res.Err, scheduler.ErrBatchDeferred) {
			delay = cfg.DeferVisibilityTimeout.Duration()
		} else {
			delay = bo.NextBackOff()
		}
		logger.WithError(res.Err).WithFields(logrus.Fields{
			"Unprocessed": len(res.Unprocessed),
			"Delay":       delay,
		}).Info("batch stopped early, pausing")
		sleep(ctx, delay)
	}
	logger.Info("stopped polling build queue")
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
