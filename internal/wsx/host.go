package wsx

import "context"

// Channel kind reported to services handling messages from this transport.
const ChannelWebSocket = "channel-web-socket"

// Built-in service names the channel invokes on lifecycle events.
const (
	ServiceClientCreate      = "channel.web-socket.client.create"
	ServiceClientDelete      = "channel.web-socket.client.delete"
	ServiceClientSetLastSeen = "channel.web-socket.client.set-last-seen"

	ServiceUpdateInteractionMetadata = "pubsub.subscription.update-interaction-metadata"
	ServiceSubscribeWSX              = "pubsub.subscription.create-wsx-subscription-for-current"
)

// Credentials are the authentication inputs read off a create-session
// message.
type Credentials struct {
	Username string
	Secret   string
}

// AuthFunc vets create-session credentials. Implementations receive the
// channel's security configuration plus the peer environment, and may set
// response headers for the initial reply.
type AuthFunc func(
	cid string,
	secType string,
	creds Credentials,
	secName string,
	defaultAuthMethod string,
	env map[string]string,
	responseHeaders map[string]string,
) bool

// ServiceRequest is handed to the on-message callback for every service
// invocation the channel makes, whether client-initiated or lifecycle.
type ServiceRequest struct {
	CID        string
	DataFormat string
	Service    string
	Payload    any

	// Environ carries connection metadata for lifecycle invocations.
	Environ map[string]any
}

// OnMessageCallback dispatches a service request to the hosting process.
// needsResponse is false for fire-and-forget lifecycle calls; serialize
// indicates whether the result will be rendered back to the peer.
type OnMessageCallback func(
	ctx context.Context,
	req *ServiceRequest,
	channelKind string,
	transport string,
	needsResponse bool,
	serialize bool,
) (any, error)

// ClientCreateResponse is the expected shape of the client.create
// lifecycle service's response.
type ClientCreateResponse struct {
	WSClientID int64 `json:"ws_client_id"`
}
