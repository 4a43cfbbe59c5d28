package natsbridge

import (
	"log/slog"

	"github.com/davidkimai/godel-sub001/internal/event"
)

// Forwarder mirrors every in-process event onto the NATS side so
// dashboards and CLIs can follow the control plane without linking it.
type Forwarder struct {
	client *Client
	unsub  func()
}

func NewForwarder(bus *event.Bus, client *Client) *Forwarder {
	f := &Forwarder{client: client}
	f.unsub = bus.Subscribe(event.Filter{}, func(e event.Event) {
		if err := client.PublishJSON(TopicEvent(e.Type), e); err != nil {
			slog.Warn("event forward failed", "type", e.Type, "source", e.Source, "error", err)
		}
	})
	return f
}

func (f *Forwarder) Close() {
	f.unsub()
}
