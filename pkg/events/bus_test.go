package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/entrhq/seibridge/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, KindLogin, Classify(protocol.EventLoginDetected))
	assert.Equal(t, KindLogout, Classify(protocol.EventLogoutDetected))
	assert.Equal(t, KindNavigation, Classify(protocol.EventPageChanged))
	assert.Equal(t, KindNavigation, Classify(protocol.EventPageLoaded))
	assert.Equal(t, KindDOMActivity, Classify(protocol.EventDOMMutation))
	assert.Equal(t, KindOther, Classify("tab_focused"))
}

func TestPublish_FiltersBySession(t *testing.T) {
	bus := NewBus(4)
	mine, cancelMine := bus.Subscribe("sess_a")
	defer cancelMine()
	all, cancelAll := bus.Subscribe("")
	defer cancelAll()

	bus.Publish("sess_b", protocol.Event{ID: "e1", Name: protocol.EventDOMMutation})
	bus.Publish("sess_a", protocol.Event{ID: "e2", Name: protocol.EventLoginDetected})

	got := <-mine
	assert.Equal(t, "e2", got.Event.ID)
	assert.Equal(t, KindLogin, got.Kind)

	first, second := <-all, <-all
	assert.Equal(t, "e1", first.Event.ID)
	assert.Equal(t, "e2", second.Event.ID)
}

func TestPublish_DropsWhenFull(t *testing.T) {
	bus := NewBus(1)
	_, cancel := bus.Subscribe("sess_a")
	defer cancel()

	bus.Publish("sess_a", protocol.Event{Name: "x"})
	bus.Publish("sess_a", protocol.Event{Name: "y"})

	assert.Equal(t, uint64(1), bus.Dropped())
}

func TestCancel_Idempotent(t *testing.T) {
	bus := NewBus(1)
	ch, cancel := bus.Subscribe("sess_a")
	require.Equal(t, 1, bus.Subscribers())

	cancel()
	cancel()

	assert.Equal(t, 0, bus.Subscribers())
	_, open := <-ch
	assert.False(t, open)
	bus.Publish("sess_a", protocol.Event{Name: "x"})
}

func TestWaitForQuiet_ReturnsAfterQuietWindow(t *testing.T) {
	bus := NewBus(16)
	start := time.Now()

	err := bus.WaitForQuiet(context.Background(), "sess_a", 30*time.Millisecond, time.Second)

	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWaitForQuiet_DebouncesActivity(t *testing.T) {
	bus := NewBus(16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 4; i++ {
			time.Sleep(15 * time.Millisecond)
			bus.Publish("sess_a", protocol.Event{Name: protocol.EventDOMMutation})
		}
	}()

	start := time.Now()
	err := bus.WaitForQuiet(context.Background(), "sess_a", 40*time.Millisecond, time.Second)
	<-done

	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond, "each mutation restarts the quiet window")
}

func TestWaitForQuiet_BoundedByMax(t *testing.T) {
	bus := NewBus(16)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				bus.Publish("sess_a", protocol.Event{Name: protocol.EventPageChanged})
			}
		}
	}()

	err := bus.WaitForQuiet(context.Background(), "sess_a", 50*time.Millisecond, 120*time.Millisecond)
	assert.True(t, errors.Is(err, ErrNotQuiet), "got %v", err)
}

func TestWaitForQuiet_IgnoresOtherSessionsAndKinds(t *testing.T) {
	bus := NewBus(16)
	go func() {
		for i := 0; i < 10; i++ {
			time.Sleep(5 * time.Millisecond)
			bus.Publish("sess_b", protocol.Event{Name: protocol.EventDOMMutation})
			bus.Publish("sess_a", protocol.Event{Name: protocol.EventLoginDetected})
		}
	}()

	err := bus.WaitForQuiet(context.Background(), "sess_a", 20*time.Millisecond, 200*time.Millisecond)
	assert.NoError(t, err)
}

func TestWaitForQuiet_ContextCancel(t *testing.T) {
	bus := NewBus(16)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := bus.WaitForQuiet(ctx, "sess_a", time.Second, 2*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
