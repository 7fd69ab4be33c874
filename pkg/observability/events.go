package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType names something that happened to a plugin, a listener or the
// collector link.
type EventType string

const (
	// Plugin lifecycle events
	EventPluginStarted EventType = "plugin.started"
	EventPluginStopped EventType = "plugin.stopped"
	EventPluginKilled  EventType = "plugin.killed"
	EventPluginPaused  EventType = "plugin.paused"
	EventPluginResumed EventType = "plugin.resumed"
	EventPluginRestart EventType = "plugin.restarted"
	EventPluginFailed  EventType = "plugin.failed"
	EventPluginExited  EventType = "plugin.exited"
	EventListChanged   EventType = "plugin.list_changed"

	// Listener directory events
	EventListenerRegistered EventType = "listener.registered"
	EventListenerRemoved    EventType = "listener.removed"

	// Collector link events
	EventUplinkRegistered EventType = "uplink.registered"
	EventUplinkFailed     EventType = "uplink.failed"
	EventDownlinkFailed   EventType = "downlink.failed"
)

// EventSeverity is the level an event is logged at.
type EventSeverity string

const (
	SeverityInfo    EventSeverity = "info"
	SeverityWarning EventSeverity = "warning"
	SeverityError   EventSeverity = "error"
)

// Event is one entry of the agent's audit trail.
type Event struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	Severity  EventSeverity `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`

	// RequestID ties the event to the control command that caused it.
	RequestID string `json:"request_id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`

	ActorType    string `json:"actor_type,omitempty"` // operator, system
	ResourceType string `json:"resource_type,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`

	Action      string         `json:"action"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// EventStream keeps the most recent events in memory and logs each one.
type EventStream struct {
	logger  *zap.Logger
	maxSize int

	mu     sync.RWMutex
	events []Event
}

// EventStreamConfig holds configuration for the event stream
type EventStreamConfig struct {
	MaxSize int // events kept in memory, oldest dropped first
}

// NewEventStream creates a new event stream
func NewEventStream(cfg EventStreamConfig, logger *zap.Logger) *EventStream {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventStream{
		logger:  logger.With(zap.String("component", "events")),
		maxSize: cfg.MaxSize,
		events:  make([]Event, 0, min(cfg.MaxSize, 256)),
	}
}

// RecordEvent stamps event with an id, a time and the request and node ids
// carried by ctx, then appends and logs it.
func (es *EventStream) RecordEvent(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = GenerateRequestID()
	}
	if event.RequestID == "" {
		event.RequestID = GetRequestID(ctx)
	}
	if event.NodeID == "" {
		event.NodeID = GetNodeID(ctx)
	}

	es.mu.Lock()
	es.events = append(es.events, event)
	if over := len(es.events) - es.maxSize; over > 0 {
		es.events = append(es.events[:0], es.events[over:]...)
	}
	es.mu.Unlock()

	es.log(event)
}

func (es *EventStream) log(event Event) {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("action", event.Action),
		zap.Bool("success", event.Success),
	}
	if event.RequestID != "" {
		fields = append(fields, zap.String("request_id", event.RequestID))
	}
	if event.NodeID != "" {
		fields = append(fields, zap.String("node_id", event.NodeID))
	}
	if event.ResourceID != "" {
		fields = append(fields, zap.String("resource_id", event.ResourceID))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}

	switch event.Severity {
	case SeverityWarning:
		es.logger.Warn(event.Description, fields...)
	case SeverityError:
		es.logger.Error(event.Description, fields...)
	default:
		es.logger.Info(event.Description, fields...)
	}
}

// GetEvents returns the matching events, oldest first. A positive Limit keeps
// only the most recent matches.
func (es *EventStream) GetEvents(filter EventFilter) []Event {
	es.mu.RLock()
	defer es.mu.RUnlock()

	result := make([]Event, 0)
	for _, event := range es.events {
		if filter.Matches(event) {
			result = append(result, event)
		}
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[len(result)-filter.Limit:]
	}
	return result
}

// EventFilter selects events. Zero fields match everything.
type EventFilter struct {
	Types        []EventType
	ResourceType string
	ResourceID   string
	Since        time.Time
	Limit        int
}

// Matches reports whether event passes the filter.
func (f EventFilter) Matches(event Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if event.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ResourceType != "" && event.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && event.ResourceID != f.ResourceID {
		return false
	}
	if !f.Since.IsZero() && event.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// NewPluginEvent creates a lifecycle event for a supervisor operation on a plugin.
// A non-nil err turns it into a plugin.failed warning.
func NewPluginEvent(eventType EventType, plugin, action string, pid int, err error) Event {
	event := Event{
		Type:         eventType,
		Severity:     SeverityInfo,
		ActorType:    "operator",
		ResourceType: "plugin",
		ResourceID:   plugin,
		Action:       action,
		Description:  fmt.Sprintf("Plugin %s %s", plugin, action),
		Metadata:     map[string]any{},
		Success:      err == nil,
	}
	if pid > 0 {
		event.Metadata["pid"] = pid
	}
	if err != nil {
		event.Type = EventPluginFailed
		event.Severity = SeverityWarning
		event.Description = fmt.Sprintf("Plugin %s %s failed", plugin, action)
		event.Error = err.Error()
	}
	return event
}

// NewListenerEvent creates a listener directory event.
func NewListenerEvent(eventType EventType, listener string, pid int, reason string) Event {
	return Event{
		Type:         eventType,
		Severity:     SeverityInfo,
		ActorType:    "system",
		ResourceType: "listener",
		ResourceID:   listener,
		Action:       string(eventType),
		Description:  fmt.Sprintf("Listener %s %s", listener, reason),
		Metadata: map[string]any{
			"pid":    pid,
			"reason": reason,
		},
		Success: true,
	}
}

// NewRegistrationEvent records that the uplink delivered the node's
// registration to the collector at addr.
func NewRegistrationEvent(nodeID, addr string) Event {
	return Event{
		Type:         EventUplinkRegistered,
		Severity:     SeverityInfo,
		ActorType:    "system",
		ResourceType: "collector",
		ResourceID:   addr,
		Action:       "register",
		Description:  fmt.Sprintf("Node %s registered with collector %s", nodeID, addr),
		NodeID:       nodeID,
		Success:      true,
	}
}

// NewLinkFailureEvent creates a collector link failure event.
func NewLinkFailureEvent(eventType EventType, addr string, err error) Event {
	return Event{
		Type:         eventType,
		Severity:     SeverityWarning,
		ActorType:    "system",
		ResourceType: "collector",
		ResourceID:   addr,
		Action:       "connect",
		Description:  fmt.Sprintf("Collector link to %s failed", addr),
		Success:      false,
		Error:        err.Error(),
	}
}
