package wsx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	wserrors "github.com/wsbridge/wsbridge/internal/errors"
)

// Client actions recognized by the channel.
const (
	ActionCreateSession  = "create-session"
	ActionClientResponse = "client-response"
	ActionInvokeService  = "invoke-service"
)

// PubSubMsgPrefix marks correlation ids that belong to pub/sub deliveries.
// A client response whose in_reply_to carries this prefix is routed to the
// on_pubsub_response hook instead of the correlator.
const PubSubMsgPrefix = "zpsm"

// ClientMessage is a parsed inbound envelope.
type ClientMessage struct {
	Action    string
	ID        string
	Timestamp string
	Token     string

	ExtClientID   string
	ExtClientName string

	Username string
	Secret   string

	InReplyTo   string
	ReplyToSK   string
	DeliverToSK string

	// IsAuth is true for create-session messages.
	IsAuth bool

	// CID is the server-side correlation id assigned on receipt.
	CID string

	// Meta holds the raw meta element; unknown fields are preserved here.
	Meta map[string]any

	Data any
}

// ParseClientMessage parses one inbound text frame. An absent meta element
// yields a message with defaults; needsAuth controls whether a secret is
// read off create-session messages.
func ParseClientMessage(data []byte, needsAuth bool) (*ClientMessage, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}

	var envelope struct {
		Meta map[string]any `json:"meta"`
		Data any            `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, wserrors.New(wserrors.KindProtocol, "parse_message", err)
	}

	msg := &ClientMessage{
		Action: ActionClientResponse,
		Meta:   envelope.Meta,
		Data:   envelope.Data,
	}

	meta := envelope.Meta
	if meta == nil {
		return msg, nil
	}

	msg.Action = metaString(meta, "action", ActionClientResponse)
	msg.ID = metaString(meta, "id", "")
	msg.Timestamp = metaString(meta, "timestamp", "")
	msg.Token = metaString(meta, "token", "")
	msg.ExtClientID = metaString(meta, "client_id", "")
	msg.ExtClientName = flattenClientName(meta["client_name"])

	if msg.Action == ActionCreateSession {
		msg.Username = metaString(meta, "username", "")
		// Secret is optional because channels may have no credentials attached
		if needsAuth {
			msg.Secret = metaString(meta, "secret", "")
		}
		msg.IsAuth = true
	} else {
		msg.InReplyTo = metaString(meta, "in_reply_to", "")
		if ctx, ok := meta["ctx"].(map[string]any); ok {
			msg.ReplyToSK = metaString(ctx, "reply_to_sk", "")
			msg.DeliverToSK = metaString(ctx, "deliver_to_sk", "")
		}
	}

	return msg, nil
}

func metaString(meta map[string]any, key, fallback string) string {
	value, ok := meta[key]
	if !ok || value == nil {
		return fallback
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprint(value)
}

// flattenClientName renders a client_name element. Maps are flattened to
// "k: v; k: v" with keys sorted.
func flattenClientName(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		parts := make([]string, 0, len(keys))
		for _, key := range keys {
			parts = append(parts, fmt.Sprintf("%s: %v", key, v[key]))
		}
		return strings.Join(parts, "; ")
	default:
		return fmt.Sprint(v)
	}
}

// Meta is the header of an outbound envelope.
type Meta struct {
	CID       string         `json:"cid,omitempty"`
	ID        string         `json:"id,omitempty"`
	InReplyTo string         `json:"in_reply_to,omitempty"`
	Status    any            `json:"status,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Token     string         `json:"token,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Ctx       map[string]any `json:"ctx,omitempty"`
}

// ServerMessage is an outbound envelope.
type ServerMessage struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data,omitempty"`
}

// Serialize renders the envelope with the configured dump function.
func (m *ServerMessage) Serialize(dump DumpFunc) ([]byte, error) {
	if dump == nil {
		dump = json.Marshal
	}
	return dump(m)
}

const statusOK = "ok"

func newTimestamp() string {
	return nowFn().Format(time.RFC3339Nano)
}

// NewOKResponse wraps a service response for the client.
func NewOKResponse(cid, inReplyTo string, data any) *ServerMessage {
	return &ServerMessage{
		Meta: Meta{CID: cid, InReplyTo: inReplyTo, Status: statusOK, Timestamp: newTimestamp()},
		Data: data,
	}
}

// NewErrorResponse reports a failure with an HTTP-like status code.
func NewErrorResponse(cid, inReplyTo string, status int, reason string) *ServerMessage {
	return &ServerMessage{
		Meta: Meta{CID: cid, InReplyTo: inReplyTo, Status: status, Reason: reason, Timestamp: newTimestamp()},
	}
}

// NewForbidden is the terminal envelope sent before a policy close.
func NewForbidden(cid, reason string) *ServerMessage {
	return &ServerMessage{
		Meta: Meta{CID: cid, Status: 403, Reason: reason, Timestamp: newTimestamp()},
	}
}

// NewAuthenticateResponse confirms a created session and carries its token.
func NewAuthenticateResponse(cid, inReplyTo, token string) *ServerMessage {
	return &ServerMessage{
		Meta: Meta{CID: cid, InReplyTo: inReplyTo, Status: statusOK, Token: token, Timestamp: newTimestamp()},
	}
}

// NewInvokeClientRequest is a server-to-client invocation; the caller waits
// for a client-response carrying meta.id in in_reply_to.
func NewInvokeClientRequest(cid string, data any, ctx map[string]any) *ServerMessage {
	return &ServerMessage{
		Meta: Meta{CID: cid, ID: NewCID(), Timestamp: newTimestamp(), Ctx: ctx},
		Data: data,
	}
}

// NewInvokeClientPubSubRequest is a fire-and-forget pub/sub delivery. The id
// is the publication's message id so the client's eventual response can be
// recognized as a pub/sub one.
func NewInvokeClientPubSubRequest(cid, id string, data any, ctx map[string]any) *ServerMessage {
	return &ServerMessage{
		Meta: Meta{CID: cid, ID: id, Timestamp: newTimestamp(), Ctx: ctx},
		Data: data,
	}
}

// NewPingMessage is the payload of an application-level ping frame. The peer
// copies it back byte for byte, so meta.id is the correlation key.
func NewPingMessage() *ServerMessage {
	return &ServerMessage{
		Meta: Meta{CID: NewCID(), ID: NewCID()},
	}
}
