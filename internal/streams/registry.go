// Package streams keeps the table of in-flight upstream streams so they can be
// cancelled out of band by session key.
package streams

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/davidbz/chatrelay/internal/domain"
	"github.com/davidbz/chatrelay/internal/observability"
)

const sessionSuffixLength = 8

// Config contains stream registry settings.
type Config struct {
	// CancelNotifyTimeout bounds the best-effort upstream cancel notification.
	CancelNotifyTimeout time.Duration `env:"CANCEL_NOTIFY_TIMEOUT" envDefault:"3s"`
}

type entry struct {
	reg      domain.StreamRegistration
	cancel   context.CancelFunc
	notifier domain.CancelNotifier
}

// Registry implements the domain.StreamRegistry interface.
type Registry struct {
	mu            sync.RWMutex
	streams       map[string]*entry
	notifyTimeout time.Duration
	now           func() time.Time
}

// NewRegistry creates a new stream registry.
func NewRegistry(cfg *Config) *Registry {
	timeout := 3 * time.Second
	if cfg != nil && cfg.CancelNotifyTimeout > 0 {
		timeout = cfg.CancelNotifyTimeout
	}

	return &Registry{
		mu:            sync.RWMutex{},
		streams:       make(map[string]*entry),
		notifyTimeout: timeout,
		now:           time.Now,
	}
}

// NewSessionKey synthesizes a session key from a timestamp and a random suffix.
func NewSessionKey(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:sessionSuffixLength])
}

// Register adds a stream to the registry. The entry is removed exactly once,
// whenever streamCtx is done, whoever cancelled it.
func (r *Registry) Register(
	streamCtx context.Context,
	cancel context.CancelFunc,
	opts domain.RegisterOptions,
) string {
	key := opts.SessionKey
	if key == "" {
		key = NewSessionKey(r.now())
	}

	e := &entry{
		reg: domain.StreamRegistration{
			SessionKey: key,
			RequestID:  opts.RequestID,
			Provider:   opts.Provider,
			Model:      opts.Model,
			StartTime:  r.now(),
		},
		cancel:   cancel,
		notifier: opts.Notifier,
	}

	r.mu.Lock()
	previous := r.streams[key]
	var previousReg domain.StreamRegistration
	if previous != nil {
		previousReg = previous.reg
	}
	r.streams[key] = e
	r.mu.Unlock()

	logger := observability.FromContext(streamCtx)

	if previous != nil {
		// A new stream for the same session supersedes the old one.
		logger.Info("superseding live stream", observability.String("session_key", key))
		previous.cancel()
		go r.notify(context.WithoutCancel(streamCtx), previous, previousReg)
	}

	context.AfterFunc(streamCtx, func() {
		r.remove(key, e)
	})

	logger.Debug("stream registered",
		observability.String("session_key", key),
		observability.String("stream_model", opts.Model),
	)

	return key
}

// SetRequestID records the upstream-assigned request id of a live stream.
func (r *Registry) SetRequestID(sessionKey, requestID string) {
	if requestID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.streams[sessionKey]; ok {
		e.reg.RequestID = requestID
	}
}

// Cancel stops the stream registered under sessionKey. Unknown keys are not an error.
func (r *Registry) Cancel(ctx context.Context, sessionKey string) bool {
	if sessionKey == "" {
		return false
	}

	r.mu.Lock()
	e, ok := r.streams[sessionKey]
	var reg domain.StreamRegistration
	if ok {
		reg = e.reg
		delete(r.streams, sessionKey)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.cancelEntry(ctx, e, reg)
	return true
}

// CancelAll stops every live stream concurrently and returns how many were stopped.
// The table is always left without any of the cancelled entries.
func (r *Registry) CancelAll(ctx context.Context) int {
	r.mu.Lock()
	snapshot := r.streams
	r.streams = make(map[string]*entry)
	regs := make(map[*entry]domain.StreamRegistration, len(snapshot))
	for _, e := range snapshot {
		regs[e] = e.reg
	}
	r.mu.Unlock()

	var (
		stopped atomic.Int64
		group   errgroup.Group
	)

	for e, reg := range regs {
		group.Go(func() error {
			r.cancelEntry(ctx, e, reg)
			stopped.Add(1)
			return nil
		})
	}

	_ = group.Wait()

	return int(stopped.Load())
}

// Len returns the number of live streams.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.streams)
}

// Snapshot returns the live registrations ordered by start time.
func (r *Registry) Snapshot() []domain.StreamRegistration {
	r.mu.RLock()
	regs := make([]domain.StreamRegistration, 0, len(r.streams))
	for _, e := range r.streams {
		regs = append(regs, e.reg)
	}
	r.mu.RUnlock()

	sort.Slice(regs, func(i, j int) bool {
		return regs[i].StartTime.Before(regs[j].StartTime)
	})

	return regs
}

// remove deletes key only while it still maps to e, so late observers of a
// superseded or already-cancelled stream are no-ops.
func (r *Registry) remove(key string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.streams[key]; ok && current == e {
		delete(r.streams, key)
	}
}

func (r *Registry) cancelEntry(ctx context.Context, e *entry, reg domain.StreamRegistration) {
	e.cancel()

	logger := observability.FromContext(ctx)
	logger.Info("stream cancelled",
		observability.String("session_key", reg.SessionKey),
		observability.Duration("age", r.now().Sub(reg.StartTime)),
	)

	r.notify(ctx, e, reg)
}

// notify tells the upstream about an abandoned stream, bounded by the notify timeout.
func (r *Registry) notify(ctx context.Context, e *entry, reg domain.StreamRegistration) {
	if e.notifier == nil {
		return
	}

	logger := observability.FromContext(ctx)

	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.notifyTimeout)
	defer cancel()

	if err := e.notifier.NotifyCancel(notifyCtx, reg); err != nil {
		logger.Warn("upstream cancel notification failed",
			observability.String("session_key", reg.SessionKey),
			observability.Error(err),
		)
	}
}

var _ domain.StreamRegistry = (*Registry)(nil)
