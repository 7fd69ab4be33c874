package observability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestEventStream_RecordEventStampsContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	es := NewEventStream(EventStreamConfig{MaxSize: 10}, zap.New(core))

	ctx := WithNodeID(WithRequestID(context.Background(), "req-1"), "0000001e06107d97")
	es.RecordEvent(ctx, NewPluginEvent(EventPluginStarted, "example_sensor", "start", 4242, nil))

	events := es.GetEvents(EventFilter{})
	require.Len(t, events, 1)
	e := events[0]
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, "req-1", e.RequestID)
	assert.Equal(t, "0000001e06107d97", e.NodeID)
	assert.Equal(t, 4242, e.Metadata["pid"])

	entries := logs.FilterMessage("Plugin example_sensor start").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "req-1", entries[0].ContextMap()["request_id"])
	assert.Equal(t, "events", entries[0].ContextMap()["component"])
}

func TestEventStream_FailedOperationIsWarning(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	es := NewEventStream(EventStreamConfig{}, zap.New(core))

	es.RecordEvent(context.Background(), NewPluginEvent(EventPluginStarted, "camera", "start", 0, errors.New("blacklisted")))

	e := es.GetEvents(EventFilter{})[0]
	assert.Equal(t, EventPluginFailed, e.Type)
	assert.Equal(t, SeverityWarning, e.Severity)
	assert.False(t, e.Success)
	assert.Equal(t, "blacklisted", e.Error)
	assert.NotContains(t, e.Metadata, "pid")
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestEventStream_Filter(t *testing.T) {
	es := NewEventStream(EventStreamConfig{}, nil)
	ctx := context.Background()

	es.RecordEvent(ctx, NewPluginEvent(EventPluginStarted, "example_sensor", "start", 1, nil))
	es.RecordEvent(ctx, NewPluginEvent(EventPluginPaused, "example_sensor", "pause", 1, nil))
	es.RecordEvent(ctx, NewPluginEvent(EventPluginStarted, "system_status", "start", 2, nil))
	es.RecordEvent(ctx, NewListenerEvent(EventListenerRemoved, "example_sensor", 1, "process gone"))
	es.RecordEvent(ctx, NewRegistrationEvent("node", "collector:9090"))
	es.RecordEvent(ctx, NewLinkFailureEvent(EventDownlinkFailed, "collector:9091", errors.New("refused")))

	tests := []struct {
		name   string
		filter EventFilter
		want   int
	}{
		{"everything", EventFilter{}, 6},
		{"by type", EventFilter{Types: []EventType{EventPluginStarted}}, 2},
		{"several types", EventFilter{Types: []EventType{EventPluginStarted, EventPluginPaused}}, 3},
		{"plugin resource", EventFilter{ResourceType: "plugin", ResourceID: "example_sensor"}, 2},
		{"any resource named example_sensor", EventFilter{ResourceID: "example_sensor"}, 3},
		{"collector", EventFilter{ResourceType: "collector"}, 2},
		{"since the future", EventFilter{Since: time.Now().Add(time.Hour)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, es.GetEvents(tt.filter), tt.want)
		})
	}
}

func TestEventStream_KeepsMostRecent(t *testing.T) {
	es := NewEventStream(EventStreamConfig{MaxSize: 3}, nil)
	for i := 1; i <= 5; i++ {
		es.RecordEvent(context.Background(), NewPluginEvent(EventPluginStarted, fmt.Sprintf("p%d", i), "start", i, nil))
	}

	names := func(events []Event) []string {
		var out []string
		for _, e := range events {
			out = append(out, e.ResourceID)
		}
		return out
	}
	assert.Equal(t, []string{"p3", "p4", "p5"}, names(es.GetEvents(EventFilter{})))
	assert.Equal(t, []string{"p4", "p5"}, names(es.GetEvents(EventFilter{Limit: 2})))
}

func TestNewRegistrationEvent(t *testing.T) {
	e := NewRegistrationEvent("0000001e06107d97", "collector:9090")
	assert.Equal(t, EventUplinkRegistered, e.Type)
	assert.Equal(t, "collector:9090", e.ResourceID)
	assert.Equal(t, "0000001e06107d97", e.NodeID)
	assert.True(t, e.Success)
}
