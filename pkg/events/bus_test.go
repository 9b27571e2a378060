package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe(nil)
	defer sub.Cancel()

	bus.Publish(Event{Kind: KindAlarmDetected, Payload: AlarmDetectedPayload{Code: 1}})

	select {
	case e := <-sub.Events():
		assert.Equal(t, KindAlarmDetected, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestBus_FilterExcludesNonMatching(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe(func(e Event) bool { return e.Kind == KindAlarmDetected })
	defer sub.Cancel()

	bus.Publish(Event{Kind: KindStateChange})
	bus.Publish(Event{Kind: KindAlarmDetected})

	select {
	case e := <-sub.Events():
		assert.Equal(t, KindAlarmDetected, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected event never arrived")
	}

	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected second event: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_DropsOldestWhenSubscriberFull(t *testing.T) {
	bus := NewBus(2)
	sub := bus.Subscribe(nil)
	defer sub.Cancel()

	bus.Publish(Event{Kind: KindStateChange, Payload: StateChangePayload{To: "1"}})
	bus.Publish(Event{Kind: KindStateChange, Payload: StateChangePayload{To: "2"}})
	bus.Publish(Event{Kind: KindStateChange, Payload: StateChangePayload{To: "3"}})

	first := <-sub.Events()
	second := <-sub.Events()

	assert.Equal(t, "2", first.Payload.(StateChangePayload).To)
	assert.Equal(t, "3", second.Payload.(StateChangePayload).To)
}

func TestBus_PublishNeverBlocksWithNoSubscribers(t *testing.T) {
	bus := NewBus(1)
	assert.NotPanics(t, func() {
		bus.Publish(Event{Kind: KindTransportStalled})
	})
}

func TestBus_CancelClosesChannel(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe(nil)
	sub.Cancel()

	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestBus_MultipleSubscribersEachReceive(t *testing.T) {
	bus := NewBus(4)
	subA := bus.Subscribe(nil)
	subB := bus.Subscribe(nil)
	defer subA.Cancel()
	defer subB.Cancel()

	bus.Publish(Event{Kind: KindCommandError})

	for _, sub := range []*Subscription{subA, subB} {
		select {
		case e := <-sub.Events():
			require.Equal(t, KindCommandError, e.Kind)
		case <-time.After(time.Second):
			t.Fatal("subscriber never received event")
		}
	}
}

func TestBus_Shutdown_ClosesAllSubscriptions(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe(nil)

	bus.Shutdown(nil)

	_, ok := <-sub.Events()
	assert.False(t, ok)
}
