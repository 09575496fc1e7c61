// Package modules provides the native capabilities attached to every script
// run: event messaging, persistent key/value storage, and console output.
package modules

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/seantiz/etna/internal/protocol"
	"github.com/seantiz/etna/internal/script"
)

// PendingQueueSize is how many inbound events a script can leave undrained
// before the oldest is dropped.
const PendingQueueSize = 16

// Bus is the slice of the protocol codec the messaging module needs.
type Bus interface {
	OnUnhandled(handler protocol.UnhandledHandler)
	Send(name string, payload []byte) error
}

// Event is one inbound event waiting for the script to drain it.
type Event struct {
	Name    string
	Payload []byte
}

// Messaging exposes the event bus to scripts.
//
// Natives:
//
//	msg_on <event>            subscribe to an event
//	msg_off <event>           unsubscribe
//	msg_send <event> [data]   send an event to the peer
//	msg_update                drain pending events, returned as
//	                          name/payload pairs
//
// Script subscriptions ride the codec's unhandled hook: the module claims
// events no specific handler wants and filters them against the subscription
// set. Handlers the host registered for its own commands always win, so a
// script subscribing to a command name can never capture or unregister the
// host's handler.
//
// Inbound events for subscribed names are queued; the queue holds at most
// PendingQueueSize entries and drops the oldest when full. Subscriptions and
// the queue are cleared on every Attach so one script's traffic never leaks
// into the next.
type Messaging struct {
	bus    Bus
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[string]bool
	pending []Event
	dropped int
}

// NewMessaging creates the messaging module on top of bus and installs
// itself as the bus's unhandled-event handler.
func NewMessaging(bus Bus, logger *slog.Logger) *Messaging {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Messaging{
		bus:    bus,
		logger: logger,
		subs:   make(map[string]bool),
	}
	bus.OnUnhandled(m.dispatch)
	return m
}

func (m *Messaging) Name() string { return "messaging" }

// Attach registers the msg natives on inst and resets all subscriptions and
// queued events from the previous run.
func (m *Messaging) Attach(inst script.Instance) error {
	m.mu.Lock()
	m.subs = make(map[string]bool)
	m.pending = nil
	m.dropped = 0
	m.mu.Unlock()

	for name, fn := range map[string]script.NativeFunc{
		"msg_on":     m.on,
		"msg_off":    m.off,
		"msg_send":   m.send,
		"msg_update": m.update,
	} {
		if err := inst.RegisterNative(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func (m *Messaging) on(args [][]byte) ([][]byte, error) {
	if len(args) < 1 || len(args[0]) == 0 {
		return nil, errors.New("msg_on: event name required")
	}

	m.mu.Lock()
	m.subs[string(args[0])] = true
	m.mu.Unlock()
	return nil, nil
}

func (m *Messaging) off(args [][]byte) ([][]byte, error) {
	if len(args) < 1 || len(args[0]) == 0 {
		return nil, errors.New("msg_off: event name required")
	}

	m.mu.Lock()
	delete(m.subs, string(args[0]))
	m.mu.Unlock()
	return nil, nil
}

func (m *Messaging) send(args [][]byte) ([][]byte, error) {
	if len(args) < 1 || len(args[0]) == 0 {
		return nil, errors.New("msg_send: event name required")
	}
	var payload []byte
	if len(args) > 1 {
		payload = args[1]
	}
	if err := m.bus.Send(string(args[0]), payload); err != nil {
		return nil, err
	}
	return nil, nil
}

// update drains the pending queue. Results alternate event name and payload.
func (m *Messaging) update(args [][]byte) ([][]byte, error) {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	results := make([][]byte, 0, len(pending)*2)
	for _, ev := range pending {
		results = append(results, []byte(ev.Name), ev.Payload)
	}
	return results, nil
}

// dispatch is called from the transport goroutine for every event no
// specific handler claimed. Events the script subscribed to are queued for
// the next msg_update; everything else is dropped.
func (m *Messaging) dispatch(name string, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.subs[name] {
		return
	}
	if len(m.pending) >= PendingQueueSize {
		m.pending = m.pending[1:]
		m.dropped++
		eventsDropped.Inc()
		m.logger.Debug("pending event queue full, dropping oldest", "event", name)
	}
	m.pending = append(m.pending, Event{Name: name, Payload: payload})
}

// Dropped returns how many events have been dropped since the last Attach.
func (m *Messaging) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}
