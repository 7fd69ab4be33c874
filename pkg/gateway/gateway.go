// Package gateway links the agent with the collector over plain TCP.
//
// The Sender drains the uplink queue and writes each envelope to the collector,
// retrying the same envelope until the write succeeds. The Receiver repeatedly
// connects, identifies the node, reads one frame and hands it to the router
// through the shared mailbox. Transport errors never leave this package: they
// are logged, counted and retried.
package gateway

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/waggle/pluginmanager/pkg/observability"
)

// Health components reported through Deps.Health.
const (
	ComponentUplink   = "uplink"
	ComponentDownlink = "downlink"
)

// Dialer opens connections to the collector. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

var _ Dialer = (*net.Dialer)(nil)

// HealthFunc is told whether a component's last attempt succeeded.
type HealthFunc func(component string, serving bool)

// Deps are the collaborators shared by Sender and Receiver.
type Deps struct {
	// Dialer defaults to a net.Dialer with the configured dial timeout.
	Dialer Dialer
	Events *observability.EventStream
	Health HealthFunc
	Logger *zap.Logger
}

func (d *Deps) fill(component string, dialTimeout time.Duration) {
	if d.Dialer == nil {
		d.Dialer = &net.Dialer{Timeout: dialTimeout}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	d.Logger = observability.ComponentLogger(d.Logger, component)
}

// bindNode tags ctx with the node id and scopes the logger to it, so link
// logs and recorded events carry the node the link belongs to.
func (d *Deps) bindNode(ctx context.Context, nodeID string) context.Context {
	ctx = observability.WithNodeID(ctx, nodeID)
	d.Logger = observability.ContextLogger(ctx, d.Logger)
	return ctx
}

func (d *Deps) report(component string, serving bool) {
	if d.Health != nil {
		d.Health(component, serving)
	}
}

func (d *Deps) recordFailure(ctx context.Context, eventType observability.EventType, addr string, err error) {
	if d.Events != nil {
		d.Events.RecordEvent(ctx, observability.NewLinkFailureEvent(eventType, addr, err))
	}
}

// sleep waits for d or until ctx is done, reporting whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
