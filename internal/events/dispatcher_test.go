package events

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanlink/internal/logging"
	"github.com/anstrom/scanlink/internal/protocol"
)

func newTestDispatcher(id *Identity) *Dispatcher {
	return NewDispatcher(id, logging.NewDiscard().Logger, nil)
}

func TestIdentity(t *testing.T) {
	id := NewIdentity()
	_, err := uuid.Parse(id.ID())
	require.NoError(t, err)
	assert.False(t, id.Assigned())

	id.Set("server-7")
	assert.Equal(t, "server-7", id.ID())
	assert.True(t, id.Assigned())
}

func TestDispatch_InOrderToSubscriber(t *testing.T) {
	d := newTestDispatcher(NewIdentity())

	var got []string
	d.Subscribe(func(ev *protocol.Event) { got = append(got, ev.Event) })

	for _, name := range []string{protocol.EventScanStarted, protocol.EventScanUpdate, protocol.EventScanComplete} {
		d.Dispatch(&protocol.Event{Event: name})
	}
	assert.Equal(t, []string{protocol.EventScanStarted, protocol.EventScanUpdate, protocol.EventScanComplete}, got)
}

func TestDispatch_SubscribeReplaces(t *testing.T) {
	d := newTestDispatcher(NewIdentity())

	first, second := 0, 0
	d.Subscribe(func(*protocol.Event) { first++ })
	d.Subscribe(func(*protocol.Event) { second++ })
	d.Dispatch(&protocol.Event{Event: protocol.EventScanUpdate})

	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
}

func TestDispatch_NoSubscriberDrops(t *testing.T) {
	d := newTestDispatcher(NewIdentity())
	d.Dispatch(&protocol.Event{Event: protocol.EventScanUpdate})

	calls := 0
	d.Subscribe(func(*protocol.Event) { calls++ })
	d.Unsubscribe()
	d.Dispatch(&protocol.Event{Event: protocol.EventScanUpdate})

	assert.Equal(t, 0, calls, "events are not buffered or replayed")
}

func TestDispatch_ConnectionEstablishedUpdatesIdentityFirst(t *testing.T) {
	id := NewIdentity()
	d := newTestDispatcher(id)

	var seen string
	d.Subscribe(func(ev *protocol.Event) { seen = id.ID() })

	d.Dispatch(&protocol.Event{
		Event: protocol.EventConnectionEstablished,
		Data:  []byte(`{"client_id":"abc-123"}`),
	})

	assert.Equal(t, "abc-123", seen)
	assert.True(t, id.Assigned())
}

func TestDispatch_ConnectionEstablishedWithoutID(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"no data", ``},
		{"empty object", `{}`},
		{"wrong type", `{"client_id":42}`},
		{"not an object", `"hello"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := NewIdentity()
			local := id.ID()
			d := newTestDispatcher(id)

			delivered := false
			d.Subscribe(func(*protocol.Event) { delivered = true })
			d.Dispatch(&protocol.Event{Event: protocol.EventConnectionEstablished, Data: []byte(tt.data)})

			assert.Equal(t, local, id.ID())
			assert.False(t, id.Assigned())
			assert.True(t, delivered)
		})
	}
}
