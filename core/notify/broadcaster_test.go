package notify

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"

	"github.com/relabs-tech/restio/core"
	"github.com/relabs-tech/restio/core/engine"
	"github.com/relabs-tech/restio/core/schema"
	"github.com/relabs-tech/restio/core/storage/memstore"
)

type channelSender struct {
	messages chan []byte
}

func newChannelSender() *channelSender {
	return &channelSender{messages: make(chan []byte, 16)}
}

func (s *channelSender) Send(ctx context.Context, message []byte) error {
	s.messages <- message
	return nil
}

func (s *channelSender) next(t *testing.T) Message {
	t.Helper()
	select {
	case raw := <-s.messages:
		var message Message
		if err := json.Unmarshal(raw, &message); err != nil {
			t.Fatal(err)
		}
		return message
	case <-time.After(time.Second):
		t.Fatal("no message within a second")
		return Message{}
	}
}

func (s *channelSender) expectNone(t *testing.T) {
	t.Helper()
	select {
	case raw := <-s.messages:
		t.Fatalf("unexpected message: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func notifyRegistry(t *testing.T) *schema.Registry {
	b := schema.NewBuilder()
	b.MustAddResource(&schema.ResourceDefinition{
		Name: "tasks",
		Fields: map[string]schema.FieldSpec{
			"state": {Kind: schema.FieldString},
		},
		Search: schema.SearchSchema{
			Filterable: map[string]schema.FilterSpec{
				"state": {Operator: schema.OpEqual},
			},
		},
		AuthRules: map[core.Operation][]string{
			core.OperationList: {"public"}, core.OperationGet: {"public"},
			core.OperationPost: {"public"}, core.OperationPatch: {"public"},
			core.OperationPut: {"public"}, core.OperationDelete: {"public"},
		},
	})
	registry, err := b.Freeze()
	if err != nil {
		t.Fatal(err)
	}
	return registry
}

func TestCommitDeliversExactlyOneNotification(t *testing.T) {
	ctx := context.Background()
	registry := notifyRegistry(t)
	broadcaster := NewBroadcaster(registry)
	e := engine.New(engine.Config{
		Registry: registry,
		Store:    memstore.New(registry),
		Sinks:    []engine.EventSink{broadcaster},
	})

	sender := newChannelSender()
	broadcaster.Connect(ctx, "conn-1", sender)
	defer broadcaster.Disconnect("conn-1")

	// two subscriptions on the same resource still yield one message
	_, err := broadcaster.Subscribe(ctx, "conn-1", Subscription{Resource: "tasks"})
	assert.NoError(t, err)
	_, err = broadcaster.Subscribe(ctx, "conn-1", Subscription{Resource: "tasks"})
	assert.NoError(t, err)

	response := e.Execute(ctx, &engine.Request{
		Operation: core.OperationPost,
		Resource:  "tasks",
		Body:      []byte(`{"data":{"type":"tasks","attributes":{"state":"open"}}}`),
	})
	assert.Equal(t, http.StatusCreated, response.Status)

	message := sender.next(t)
	assert.Equal(t, "resource.posted", message.Type)
	assert.Equal(t, "tasks", message.Resource)
	assert.NotEmpty(t, message.Meta["timestamp"])
	sender.expectNone(t)
}

func TestRolledBackWriteDeliversNothing(t *testing.T) {
	ctx := context.Background()
	registry := notifyRegistry(t)
	broadcaster := NewBroadcaster(registry)
	store := memstore.New(registry)
	e := engine.New(engine.Config{
		Registry: registry,
		Store:    store,
		Sinks:    []engine.EventSink{broadcaster},
	})

	sender := newChannelSender()
	broadcaster.Connect(ctx, "conn-1", sender)
	defer broadcaster.Disconnect("conn-1")
	_, err := broadcaster.Subscribe(ctx, "conn-1", Subscription{Resource: "tasks"})
	assert.NoError(t, err)

	// a caller-supplied transaction that rolls back discards the events
	tx, err := store.NewTransaction(ctx)
	assert.NoError(t, err)
	response := e.Execute(ctx, &engine.Request{
		Operation: core.OperationPost,
		Resource:  "tasks",
		Tx:        tx,
		Body:      []byte(`{"data":{"type":"tasks","attributes":{"state":"open"}}}`),
	})
	assert.Equal(t, http.StatusCreated, response.Status)
	assert.NoError(t, tx.Rollback(ctx))
	e.DiscardEvents(tx)

	sender.expectNone(t)
}

func TestDeleteNotificationCarriesDeletedRecord(t *testing.T) {
	ctx := context.Background()
	registry := notifyRegistry(t)
	broadcaster := NewBroadcaster(registry)
	e := engine.New(engine.Config{
		Registry: registry,
		Store:    memstore.New(registry),
		Sinks:    []engine.EventSink{broadcaster},
	})

	response := e.Execute(ctx, &engine.Request{
		Operation: core.OperationPost,
		Resource:  "tasks",
		Body:      []byte(`{"data":{"type":"tasks","attributes":{"state":"open"}}}`),
	})
	assert.Equal(t, http.StatusCreated, response.Status)
	var created struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	raw, _ := json.Marshal(response.Document)
	assert.NoError(t, json.Unmarshal(raw, &created))

	sender := newChannelSender()
	broadcaster.Connect(ctx, "conn-1", sender)
	defer broadcaster.Disconnect("conn-1")
	_, err := broadcaster.Subscribe(ctx, "conn-1", Subscription{Resource: "tasks"})
	assert.NoError(t, err)

	response = e.Execute(ctx, &engine.Request{
		Operation: core.OperationDelete, Resource: "tasks", ID: created.Data.ID,
	})
	assert.Equal(t, http.StatusNoContent, response.Status)

	message := sender.next(t)
	assert.Equal(t, "resource.deleted", message.Type)
	assert.Equal(t, created.Data.ID, message.DeletedRecord["id"])
}

func TestSubscriptionFiltering(t *testing.T) {
	ctx := context.Background()
	registry := notifyRegistry(t)
	broadcaster := NewBroadcaster(registry)
	e := engine.New(engine.Config{
		Registry: registry,
		Store:    memstore.New(registry),
		Sinks:    []engine.EventSink{broadcaster},
	})

	sender := newChannelSender()
	broadcaster.Connect(ctx, "conn-1", sender)
	defer broadcaster.Disconnect("conn-1")
	_, err := broadcaster.Subscribe(ctx, "conn-1", Subscription{
		Resource: "tasks",
		Filters:  map[string]any{"state": "done"},
	})
	assert.NoError(t, err)

	response := e.Execute(ctx, &engine.Request{
		Operation: core.OperationPost,
		Resource:  "tasks",
		Body:      []byte(`{"data":{"type":"tasks","attributes":{"state":"open"}}}`),
	})
	assert.Equal(t, http.StatusCreated, response.Status)
	sender.expectNone(t)

	response = e.Execute(ctx, &engine.Request{
		Operation: core.OperationPost,
		Resource:  "tasks",
		Body:      []byte(`{"data":{"type":"tasks","attributes":{"state":"done"}}}`),
	})
	assert.Equal(t, http.StatusCreated, response.Status)
	assert.Equal(t, "resource.posted", sender.next(t).Type)
}

func TestSubscribeValidation(t *testing.T) {
	ctx := context.Background()
	broadcaster := NewBroadcaster(notifyRegistry(t))
	sender := newChannelSender()
	broadcaster.Connect(ctx, "conn-1", sender)
	defer broadcaster.Disconnect("conn-1")

	_, err := broadcaster.Subscribe(ctx, "conn-1", Subscription{Resource: "gadgets"})
	assert.Error(t, err)

	_, err = broadcaster.Subscribe(ctx, "conn-1", Subscription{
		Resource: "tasks",
		Filters:  map[string]any{"missing": "x"},
	})
	assert.Error(t, err)
}

func TestSubscribeIdempotentBySubscriptionID(t *testing.T) {
	ctx := context.Background()
	broadcaster := NewBroadcaster(notifyRegistry(t))
	sender := newChannelSender()
	broadcaster.Connect(ctx, "conn-1", sender)
	defer broadcaster.Disconnect("conn-1")

	first, err := broadcaster.Subscribe(ctx, "conn-1", Subscription{ID: "sub-1", Resource: "tasks"})
	assert.NoError(t, err)
	second, err := broadcaster.Subscribe(ctx, "conn-1", Subscription{
		ID: "sub-1", Resource: "tasks", Filters: map[string]any{"state": "done"},
	})
	assert.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	subs := broadcaster.Subscriptions("conn-1")
	if assert.Len(t, subs, 1) {
		assert.Equal(t, "done", subs[0].Filters["state"])
	}
}

func TestMaxSubscriptions(t *testing.T) {
	ctx := context.Background()
	broadcaster := NewBroadcaster(notifyRegistry(t))
	broadcaster.MaxSubscriptions = 2
	sender := newChannelSender()
	broadcaster.Connect(ctx, "conn-1", sender)
	defer broadcaster.Disconnect("conn-1")

	for i := 0; i < 2; i++ {
		_, err := broadcaster.Subscribe(ctx, "conn-1", Subscription{Resource: "tasks"})
		assert.NoError(t, err)
	}
	_, err := broadcaster.Subscribe(ctx, "conn-1", Subscription{Resource: "tasks"})
	assert.Error(t, err)
}

func TestUnsubscribe(t *testing.T) {
	ctx := context.Background()
	broadcaster := NewBroadcaster(notifyRegistry(t))
	sender := newChannelSender()
	broadcaster.Connect(ctx, "conn-1", sender)
	defer broadcaster.Disconnect("conn-1")

	sub, err := broadcaster.Subscribe(ctx, "conn-1", Subscription{Resource: "tasks"})
	assert.NoError(t, err)
	assert.True(t, broadcaster.Unsubscribe("conn-1", sub.ID))
	assert.False(t, broadcaster.Unsubscribe("conn-1", sub.ID))
	assert.Len(t, broadcaster.Subscriptions("conn-1"), 0)
}
