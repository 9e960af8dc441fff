package protocol

// RPC method name constants.
const (
	// System
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"
	MethodPing    = "ping"

	// Agent (parent wake-up rides on this method)
	MethodAgent     = "agent"
	MethodAgentWait = "agent.wait"

	// Presence
	MethodPresenceGet = "presence.get"
	MethodPresenceSet = "presence.set"

	// Sessions (read-only views over the exporter's bindings)
	MethodSessionsList    = "sessions.list"
	MethodSessionsResolve = "sessions.resolve"

	// Subscriptions
	MethodSubscribe   = "subscribe"
	MethodUnsubscribe = "unsubscribe"
)
