package server

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/uteki/uteki/internal/llm"
	"github.com/uteki/uteki/internal/modules/arena"
)

func TestProgressHubBroadcast(t *testing.T) {
	hub := NewProgressHub(zerolog.Nop())

	sub := &subscriber{events: make(chan arena.ProgressEvent, subscriberBuffer)}
	hub.add(sub)
	defer hub.remove(sub)

	hub.Publish(arena.ProgressEvent{HarnessID: "h-1", Provider: llm.ProviderAnthropic, Phase: "started"})

	assert.Equal(t, 1, hub.SubscriberCount())
	evt := <-sub.events
	assert.Equal(t, "h-1", evt.HarnessID)
	assert.Equal(t, "started", evt.Phase)
}

func TestProgressHubDropsWhenFull(t *testing.T) {
	hub := NewProgressHub(zerolog.Nop())

	sub := &subscriber{events: make(chan arena.ProgressEvent, 1)}
	hub.add(sub)
	defer hub.remove(sub)

	// Second publish must not block even though the buffer is full
	hub.Publish(arena.ProgressEvent{HarnessID: "h-1", Phase: "started"})
	hub.Publish(arena.ProgressEvent{HarnessID: "h-1", Phase: "finished"})

	evt := <-sub.events
	assert.Equal(t, "started", evt.Phase)
	assert.Empty(t, sub.events)
}

func TestProgressHubNoSubscribers(t *testing.T) {
	hub := NewProgressHub(zerolog.Nop())

	// Publishing with nobody connected is a no-op
	hub.Publish(arena.ProgressEvent{HarnessID: "h-1"})
	assert.Equal(t, 0, hub.SubscriberCount())
}
