package mcp

import (
	"context"
	"fmt"
	"sync"

	"github.com/mcprt/corerpc/internal/json"
)

// EventStore is a per-stream append-only event log backing resumable SSE
// delivery (spec §4.6, C6). Event ids are opaque to clients; they need
// only be monotonic within a single streamID, not globally (spec §4.6
// "eventId opacity").
type EventStore interface {
	// Append records message as the next event on streamID and returns the
	// id assigned to it.
	Append(ctx context.Context, streamID string, message json.RawMessage) (eventID string, err error)
	// ReplayAfter invokes send for every event strictly after lastEventID,
	// in id order, and returns the streamID those events belong to. If
	// lastEventID is unknown to the store, ReplayAfter returns ("", nil)
	// rather than an error (spec §8: "treat as new stream, not an error").
	ReplayAfter(ctx context.Context, lastEventID string, send func(eventID string, message json.RawMessage) error) (streamID string, err error)
	// StreamIDFor returns the streamID an event id belongs to, if known.
	StreamIDFor(ctx context.Context, eventID string) (streamID string, ok bool, err error)
}

type storedEvent struct {
	id      string
	seq     uint64
	message json.RawMessage
}

// MemoryEventStore is an in-process EventStore. Retention is unbounded
// for the lifetime of the process, which is sufficient for the reference
// deployment; a production deployment spanning multiple processes needs a
// shared backing store instead (spec §4.6 "retention is
// implementation-defined").
type MemoryEventStore struct {
	mu      sync.Mutex
	next    uint64
	streams map[string][]storedEvent // streamID -> ordered events
	byEvent map[string]string        // eventID -> streamID
}

// NewMemoryEventStore returns a new MemoryEventStore.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		streams: make(map[string][]storedEvent),
		byEvent: make(map[string]string),
	}
}

func (s *MemoryEventStore) Append(ctx context.Context, streamID string, message json.RawMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	seq := s.next
	id := fmt.Sprintf("%s_%d", streamID, seq)
	s.streams[streamID] = append(s.streams[streamID], storedEvent{id: id, seq: seq, message: append(json.RawMessage(nil), message...)})
	s.byEvent[id] = streamID
	return id, nil
}

func (s *MemoryEventStore) ReplayAfter(ctx context.Context, lastEventID string, send func(eventID string, message json.RawMessage) error) (string, error) {
	s.mu.Lock()
	streamID, ok := s.byEvent[lastEventID]
	if !ok {
		s.mu.Unlock()
		return "", nil
	}
	events := append([]storedEvent(nil), s.streams[streamID]...)
	s.mu.Unlock()

	replaying := false
	for _, e := range events {
		if !replaying {
			if e.id == lastEventID {
				replaying = true
			}
			continue
		}
		if err := send(e.id, e.message); err != nil {
			return streamID, err
		}
	}
	return streamID, nil
}

func (s *MemoryEventStore) StreamIDFor(ctx context.Context, eventID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	streamID, ok := s.byEvent[eventID]
	return streamID, ok, nil
}
