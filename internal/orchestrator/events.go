package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/arbor/pkg/models"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventNodeCreated indicates a normal child node was materialized.
	EventNodeCreated EventType = "node_created"
	// EventNodeExpanded indicates a node finished context assembly and child generation.
	EventNodeExpanded EventType = "node_expanded"
	// EventAliasCreated indicates a candidate was recorded as an alias.
	EventAliasCreated EventType = "alias_created"
	// EventSummaryCreated indicates a summary node was added below a sibling group.
	EventSummaryCreated EventType = "summary_created"
	// EventCombinationCreated indicates a combination node linked several branches.
	EventCombinationCreated EventType = "combination_created"
	// EventNodeAnswered indicates a node was synthesized.
	EventNodeAnswered EventType = "node_answered"
	// EventNodeFailed indicates generation or synthesis failed for a node.
	EventNodeFailed EventType = "node_failed"
	// EventEvidenceGated indicates the evidence gate penalized or suppressed an answer.
	EventEvidenceGated EventType = "evidence_gated"
	// EventLevelComplete indicates every node at a level has been expanded.
	EventLevelComplete EventType = "level_complete"
	// EventEditApplied indicates an edit finished and the tree was recomputed.
	EventEditApplied EventType = "edit_applied"
	// EventMissingAnswered indicates the uncovered questions of a build were answered.
	EventMissingAnswered EventType = "missing_answered"
)

// Event represents an event emitted by the orchestrator.
// These events are used by the CLI for progress output.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// NodeID is the related node, if any.
	NodeID string
	// Level is the related level.
	Level int
	// Kind is the related node's kind, if any.
	Kind models.NodeKind
	// Message provides additional context about the event.
	Message string
	// Confidence is set on answer events.
	Confidence float64
	// Timestamp is when the event occurred.
	Timestamp time.Time
}

// EventEmitter buffers events for a single subscriber.
type EventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64
	logger       *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewEventEmitter creates a new EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int, logger *zap.Logger) *EventEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventEmitter{
		events: make(chan Event, bufferSize),
		logger: logger,
	}
}

// Emit sends an event without blocking. When the buffer is full the event
// is dropped and counted.
func (e *EventEmitter) Emit(event Event) {
	if e == nil {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case e.events <- event:
	default:
		count := e.droppedCount.Add(1)
		if count%10 == 1 {
			e.logger.Warn("event channel full, dropping events",
				zap.Uint64("dropped", count), zap.String("type", string(event.Type)))
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel. Emit after Close is a no-op.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
}
