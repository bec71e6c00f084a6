package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ride-escrow/internal/models"
)

// Notification is what every push channel delivers. Data values are strings
// because FCM only carries string data.
type Notification struct {
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Data    map[string]string `json:"data"`
	Channel string            `json:"channel"`
}

// Sender delivers a notification to one driver.
type Sender interface {
	Send(ctx context.Context, d models.Driver, n Notification) error
}

var ErrNoSender = errors.New("dispatch: no sender for push provider")

// Router picks the sender registered for the driver's push provider. A live
// websocket session wins over any other provider.
type Router struct {
	WS      *WSRegistry
	senders map[models.PushProvider]Sender
}

func NewRouter(ws *WSRegistry) *Router {
	r := &Router{WS: ws, senders: make(map[models.PushProvider]Sender)}
	if ws != nil {
		r.senders[models.PushWS] = ws
	}
	return r
}

// Register installs s for provider p. A nil sender is ignored so optional
// channels can be wired unconditionally.
func (r *Router) Register(p models.PushProvider, s Sender) *Router {
	if s != nil {
		r.senders[p] = s
	}
	return r
}

func (r *Router) Send(ctx context.Context, d models.Driver, n Notification) error {
	if r.WS != nil && r.WS.Connected(d.ID) {
		if err := r.WS.Send(ctx, d, n); err == nil {
			return nil
		}
	}
	s, ok := r.senders[d.PushProvider]
	if !ok {
		return fmt.Errorf("%w %q", ErrNoSender, d.PushProvider)
	}
	return s.Send(ctx, d, n)
}
