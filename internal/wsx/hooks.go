package wsx

import (
	"context"

	"github.com/rs/zerolog/log"
)

// HookType identifies a lifecycle point a channel service can subscribe to.
type HookType string

const (
	HookConnected      HookType = "on_connected"
	HookDisconnected   HookType = "on_disconnected"
	HookPubSubResponse HookType = "on_pubsub_response"
)

// HookCtx carries connection details into a hook invocation.
type HookCtx struct {
	Type          HookType
	CID           string
	PubClientID   string
	ExtClientID   string
	ExtClientName string
	Token         string
	PeerAddress   string
	PeerFQDN      string

	// Msg is set for on_pubsub_response only.
	Msg *ClientMessage
}

// HookFunc is a user-supplied lifecycle callback.
type HookFunc func(ctx context.Context, hctx HookCtx) error

// Hooks binds lifecycle points to callbacks. A nil Hooks is valid and
// invokes nothing.
type Hooks struct {
	OnConnected      HookFunc
	OnDisconnected   HookFunc
	OnPubSubResponse HookFunc
}

func (h *Hooks) get(t HookType) HookFunc {
	if h == nil {
		return nil
	}
	switch t {
	case HookConnected:
		return h.OnConnected
	case HookDisconnected:
		return h.OnDisconnected
	case HookPubSubResponse:
		return h.OnPubSubResponse
	}
	return nil
}

// Has reports whether a callback is bound for the given lifecycle point.
func (h *Hooks) Has(t HookType) bool {
	return h.get(t) != nil
}

// Invoke runs the callback bound to hctx.Type, if any. Hook failures are
// logged and swallowed so they never tear the connection down.
func (h *Hooks) Invoke(ctx context.Context, hctx HookCtx) {
	fn := h.get(hctx.Type)
	if fn == nil {
		return
	}
	if err := fn(ctx, hctx); err != nil {
		log.Warn().Err(err).
			Str("hook", string(hctx.Type)).
			Str("cid", hctx.CID).
			Str("pub_client_id", hctx.PubClientID).
			Msg("Hook invocation failed")
	}
}
