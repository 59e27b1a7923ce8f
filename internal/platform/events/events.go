// Package events provides the in-process named event bus of the CSE.
// Components register handlers for named events; firing an event either runs
// the handlers synchronously in the caller or dispatches each handler on its
// own goroutine, depending on how the event was declared.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Handler is an event handler. Arguments are whatever the firing site passed.
type Handler func(args ...any)

// HandlerID identifies a registered handler so it can be removed again.
type HandlerID int64

type handlerEntry struct {
	id HandlerID
	fn Handler
}

type event struct {
	background bool
	handlers   []handlerEntry
}

// Bus is a named event bus. Events must be declared with AddEvent before
// handlers can be attached or the event can be fired.
type Bus struct {
	mu      sync.RWMutex
	events  map[string]*event
	nextID  atomic.Int64
	running atomic.Bool
	log     zerolog.Logger
}

// NewBus creates an event bus.
func NewBus(log zerolog.Logger) *Bus {
	b := &Bus{
		events: make(map[string]*event),
		log:    log.With().Str("component", "events").Logger(),
	}
	b.running.Store(true)
	return b
}

// AddEvent declares a named event. Background events dispatch each handler on
// a fresh goroutine; foreground events run handlers sequentially in the
// caller. Re-declaring an existing event is a no-op.
func (b *Bus) AddEvent(name string, background bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.events[name]; !ok {
		b.events[name] = &event{background: background}
	}
}

// HasEvent reports whether an event has been declared.
func (b *Bus) HasEvent(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.events[name]
	return ok
}

// AddHandler attaches a handler to a declared event and returns its ID.
// Attaching to an undeclared event returns 0 and is ignored.
func (b *Bus) AddHandler(name string, fn Handler) HandlerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.events[name]
	if !ok {
		b.log.Warn().Str("event", name).Msg("handler attached to undeclared event")
		return 0
	}
	id := HandlerID(b.nextID.Add(1))
	ev.handlers = append(ev.handlers, handlerEntry{id: id, fn: fn})
	return id
}

// RemoveHandler detaches a handler from an event.
func (b *Bus) RemoveHandler(name string, id HandlerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.events[name]
	if !ok {
		return
	}
	for i, h := range ev.handlers {
		if h.id == id {
			ev.handlers = append(ev.handlers[:i], ev.handlers[i+1:]...)
			return
		}
	}
}

// Fire raises an event. Handler panics are recovered and logged so that one
// handler's failure does not prevent its siblings from running. Firing an
// undeclared event is a no-op.
func (b *Bus) Fire(name string, args ...any) {
	if !b.running.Load() {
		return
	}
	b.mu.RLock()
	ev, ok := b.events[name]
	if !ok {
		b.mu.RUnlock()
		return
	}
	handlers := make([]handlerEntry, len(ev.handlers))
	copy(handlers, ev.handlers)
	background := ev.background
	b.mu.RUnlock()

	for _, h := range handlers {
		if background {
			go b.call(name, h.fn, args...)
		} else {
			b.call(name, h.fn, args...)
		}
	}
}

func (b *Bus) call(name string, fn Handler, args ...any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("event", name).Interface("panic", r).Msg("event handler panicked")
		}
	}()
	fn(args...)
}

// Shutdown stops the bus. Events fired afterwards are dropped.
func (b *Bus) Shutdown() {
	b.running.Store(false)
	b.mu.Lock()
	b.events = make(map[string]*event)
	b.mu.Unlock()
}

// CSE event names. Declared centrally so the firing and handling sites agree.
const (
	CreateLocalResource       = "createLocalResource"
	UpdateLocalResource       = "updateLocalResource"
	DeleteLocalResource       = "deleteLocalResource"
	CreateDirectChild         = "createDirectChild"
	DeleteDirectChild         = "deleteDirectChild"
	Notification              = "notification"
	CSEReset                  = "cseReset"
	RegisteredToRemoteCSE     = "registeredToRemoteCSE"
	DeregisteredFromRemoteCSE = "deregisteredFromRemoteCSE"
	RemoteCSEHasRegistered    = "remoteCSEHasRegistered"
	RemoteCSEHasDeregistered  = "remoteCSEHasDeregistered"
	ReportMissingDataPoints   = "reportOnGeneratedMissingDataPoints"
)

// DeclareCSEEvents declares the standard CSE events on the bus. Resource
// events are background events; the reset event is foreground so that a reset
// completes before the caller continues.
func DeclareCSEEvents(b *Bus) {
	for _, name := range []string{
		CreateLocalResource, UpdateLocalResource, DeleteLocalResource,
		CreateDirectChild, DeleteDirectChild,
		Notification,
		RegisteredToRemoteCSE, DeregisteredFromRemoteCSE,
		RemoteCSEHasRegistered, RemoteCSEHasDeregistered,
		ReportMissingDataPoints,
	} {
		b.AddEvent(name, true)
	}
	b.AddEvent(CSEReset, false)
}
