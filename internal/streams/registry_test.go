package streams_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/davidbz/chatrelay/internal/domain"
	"github.com/davidbz/chatrelay/internal/streams"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) NotifyCancel(ctx context.Context, reg domain.StreamRegistration) error {
	args := m.Called(ctx, reg)
	return args.Error(0)
}

func newRegistry() *streams.Registry {
	return streams.NewRegistry(&streams.Config{CancelNotifyTimeout: 200 * time.Millisecond})
}

func register(t *testing.T, reg *streams.Registry, opts domain.RegisterOptions) (string, context.Context) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return reg.Register(ctx, cancel, opts), ctx
}

func TestRegistry_Register(t *testing.T) {
	t.Run("should synthesize a session key when none is supplied", func(t *testing.T) {
		reg := newRegistry()

		key, _ := register(t, reg, domain.RegisterOptions{Provider: "openai", Model: "gpt-4o"})

		require.Regexp(t, `^\d+-[0-9a-f]{8}$`, key)
		require.Equal(t, 1, reg.Len())
	})

	t.Run("should keep the caller supplied key and metadata", func(t *testing.T) {
		reg := newRegistry()

		key, _ := register(t, reg, domain.RegisterOptions{
			SessionKey: "session-1",
			Provider:   "api.example.com",
			Model:      "gpt-4o",
		})

		require.Equal(t, "session-1", key)

		snapshot := reg.Snapshot()
		require.Len(t, snapshot, 1)
		require.Equal(t, "session-1", snapshot[0].SessionKey)
		require.Equal(t, "api.example.com", snapshot[0].Provider)
		require.Equal(t, "gpt-4o", snapshot[0].Model)
		require.False(t, snapshot[0].StartTime.IsZero())
	})

	t.Run("should remove the entry when its context is cancelled elsewhere", func(t *testing.T) {
		reg := newRegistry()

		ctx, cancel := context.WithCancel(context.Background())
		reg.Register(ctx, cancel, domain.RegisterOptions{SessionKey: "session-1"})
		require.Equal(t, 1, reg.Len())

		cancel()
		cancel()

		require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)
	})

	t.Run("should supersede a live stream registered under the same key", func(t *testing.T) {
		reg := newRegistry()

		_, firstCtx := register(t, reg, domain.RegisterOptions{SessionKey: "session-1", Model: "first"})
		_, secondCtx := register(t, reg, domain.RegisterOptions{SessionKey: "session-1", Model: "second"})

		require.Eventually(t, func() bool { return firstCtx.Err() != nil }, time.Second, 5*time.Millisecond)
		require.NoError(t, secondCtx.Err())

		// The superseded stream's observer must not remove the new entry.
		time.Sleep(20 * time.Millisecond)
		snapshot := reg.Snapshot()
		require.Len(t, snapshot, 1)
		require.Equal(t, "second", snapshot[0].Model)
	})

	t.Run("should notify the upstream of a superseded stream", func(t *testing.T) {
		reg := newRegistry()

		notifier := &mockNotifier{}
		notified := make(chan domain.StreamRegistration, 1)
		notifier.On("NotifyCancel", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				notified <- args.Get(1).(domain.StreamRegistration)
			}).
			Return(nil).
			Once()

		register(t, reg, domain.RegisterOptions{SessionKey: "session-1", Model: "first", Notifier: notifier})
		reg.SetRequestID("session-1", "gen-1")
		register(t, reg, domain.RegisterOptions{SessionKey: "session-1", Model: "second"})

		select {
		case got := <-notified:
			require.Equal(t, "session-1", got.SessionKey)
			require.Equal(t, "first", got.Model)
			require.Equal(t, "gen-1", got.RequestID)
		case <-time.After(time.Second):
			t.Fatal("superseded stream was not reported upstream")
		}
		notifier.AssertExpectations(t)
	})
}

func TestRegistry_Cancel(t *testing.T) {
	t.Run("should report false for an unknown key", func(t *testing.T) {
		reg := newRegistry()

		require.False(t, reg.Cancel(context.Background(), "missing"))
		require.False(t, reg.Cancel(context.Background(), ""))
	})

	t.Run("should cancel, notify upstream and remove the stream", func(t *testing.T) {
		reg := newRegistry()
		notifier := &mockNotifier{}

		key, streamCtx := register(t, reg, domain.RegisterOptions{
			SessionKey: "session-1",
			Model:      "gpt-4o",
			Notifier:   notifier,
		})
		reg.SetRequestID(key, "gen-123")

		notifier.On("NotifyCancel", mock.Anything, mock.MatchedBy(func(r domain.StreamRegistration) bool {
			return r.SessionKey == "session-1" && r.RequestID == "gen-123"
		})).Return(nil).Once()

		require.True(t, reg.Cancel(context.Background(), key))
		require.ErrorIs(t, streamCtx.Err(), context.Canceled)
		require.Equal(t, 0, reg.Len())
		notifier.AssertExpectations(t)
	})

	t.Run("should be idempotent", func(t *testing.T) {
		reg := newRegistry()

		key, _ := register(t, reg, domain.RegisterOptions{})

		require.True(t, reg.Cancel(context.Background(), key))
		require.False(t, reg.Cancel(context.Background(), key))
	})

	t.Run("should still cancel locally when the notification fails", func(t *testing.T) {
		reg := newRegistry()
		notifier := &mockNotifier{}
		notifier.On("NotifyCancel", mock.Anything, mock.Anything).Return(errors.New("connection refused"))

		key, streamCtx := register(t, reg, domain.RegisterOptions{Notifier: notifier})

		require.True(t, reg.Cancel(context.Background(), key))
		require.Error(t, streamCtx.Err())
		require.Equal(t, 0, reg.Len())
	})

	t.Run("should bound a hanging notification by the configured timeout", func(t *testing.T) {
		reg := newRegistry()
		notifier := &mockNotifier{}
		notifier.On("NotifyCancel", mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				ctx := args.Get(0).(context.Context)
				<-ctx.Done()
			}).
			Return(context.DeadlineExceeded)

		key, streamCtx := register(t, reg, domain.RegisterOptions{Notifier: notifier})

		start := time.Now()
		require.True(t, reg.Cancel(context.Background(), key))
		require.Less(t, time.Since(start), 2*time.Second)
		require.Error(t, streamCtx.Err())
	})
}

func TestRegistry_CancelAll(t *testing.T) {
	t.Run("should cancel every stream and empty the table", func(t *testing.T) {
		reg := newRegistry()

		const n = 5
		contexts := make([]context.Context, 0, n)
		for i := range n {
			_, ctx := register(t, reg, domain.RegisterOptions{SessionKey: fmt.Sprintf("session-%d", i)})
			contexts = append(contexts, ctx)
		}

		require.Equal(t, n, reg.CancelAll(context.Background()))
		require.Equal(t, 0, reg.Len())
		for _, ctx := range contexts {
			require.Error(t, ctx.Err())
		}
	})

	t.Run("should count streams whose notification failed", func(t *testing.T) {
		reg := newRegistry()
		notifier := &mockNotifier{}
		notifier.On("NotifyCancel", mock.Anything, mock.Anything).Return(errors.New("boom"))

		register(t, reg, domain.RegisterOptions{Notifier: notifier})
		register(t, reg, domain.RegisterOptions{Notifier: notifier})

		require.Equal(t, 2, reg.CancelAll(context.Background()))
		require.Equal(t, 0, reg.Len())
	})

	t.Run("should return zero on an empty registry", func(t *testing.T) {
		require.Equal(t, 0, newRegistry().CancelAll(context.Background()))
	})
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := newRegistry()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ctx, cancel := context.WithCancel(context.Background())
			key := reg.Register(ctx, cancel, domain.RegisterOptions{SessionKey: fmt.Sprintf("session-%d", i)})

			switch i % 3 {
			case 0:
				reg.Cancel(context.Background(), key)
			case 1:
				cancel()
			default:
				reg.SetRequestID(key, "gen")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		reg.CancelAll(context.Background())
	}()

	wg.Wait()
	reg.CancelAll(context.Background())

	require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)
}
