// SPDX-License-Identifier: MPL-2.0

package selfupdate

import (
	"maps"
	"slices"
	"sync"
)

type (
	// Event is delivered to subscribers. The concrete types are
	// EventUpdateAvailable, EventProgress, EventError, EventCompleted and
	// EventRestartRequired.
	Event interface {
		eventName() string
	}

	// EventUpdateAvailable announces a newer release.
	EventUpdateAvailable struct {
		Version  string
		Location string
		// Degraded is set for source-snapshot updates without per-file hashes.
		Degraded bool
	}

	// EventProgress reports staging and apply progress.
	EventProgress struct {
		Percent int
		Message string
	}

	// EventError reports a failed check or apply.
	EventError struct {
		Err error
	}

	// EventCompleted is emitted once every file is in place.
	EventCompleted struct {
		Version string
	}

	// EventRestartRequired follows EventCompleted. Script is the handoff
	// that must be started before the application exits.
	EventRestartRequired struct {
		Script string
	}

	// bus fans events out to subscribers. Deliveries are serialized, so a
	// subscriber never sees two events at once.
	bus struct {
		mu   sync.Mutex
		next int
		subs map[int]func(Event)

		deliver sync.Mutex
	}
)

func (EventUpdateAvailable) eventName() string { return "UpdateAvailable" }
func (EventProgress) eventName() string        { return "Progress" }
func (EventError) eventName() string           { return "Error" }
func (EventCompleted) eventName() string       { return "Completed" }
func (EventRestartRequired) eventName() string { return "RestartRequired" }

// EventName returns the event's name, e.g. "Progress".
func EventName(e Event) string { return e.eventName() }

func (b *bus) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]func(Event))
	}
	id := b.next
	b.next++
	b.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
		})
	}
}

func (b *bus) emit(e Event) {
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, id := range slices.Sorted(maps.Keys(b.subs)) {
		fns = append(fns, b.subs[id])
	}
	b.mu.Unlock()

	b.deliver.Lock()
	defer b.deliver.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}
