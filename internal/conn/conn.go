// Package conn defines the contract between the bridge and a connectivity
// engine. An engine exposes two sub-clients, market data and trading; each
// accepts tagged submissions and pushes decoded events back through a sink.
package conn

import (
	"context"

	"github.com/coachpo/tradebridge/internal/schema"
)

// EventSink receives decoded push events. The bridge installs a sink that
// forwards onto its event loop; sinks must not block for long. A Submit may
// invoke the sink synchronously a bounded number of times before returning;
// the bridge drains its queue ahead of each submit to absorb that.
type EventSink func(schema.Event)

// Client is one sub-client of a connectivity engine. Submissions return
// nothing synchronously; outcomes arrive as push events through the sink.
type Client interface {
	// Kind reports which sub-client this is.
	Kind() schema.ClientKind
	// Connect issues the connect sequence. The login handshake is a separate
	// Submit(RequestLogin); its outcome arrives as a login event.
	Connect(ctx context.Context) error
	// Submit enqueues one tagged request.
	Submit(ctx context.Context, req schema.Request) error
	// Close releases the sub-client. Safe to call more than once.
	Close(ctx context.Context) error
}

// Factory constructs the two sub-clients of an engine. The bridge calls it
// from inside its worker loop during startup.
type Factory interface {
	NewClient(ctx context.Context, kind schema.ClientKind, sink EventSink) (Client, error)
}
