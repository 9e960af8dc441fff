package protocol

// WebSocket event names pushed from server to client.
const (
	EventAgent            = "agent"
	EventHealth           = "health"
	EventPresence         = "presence"
	EventTick             = "tick"
	EventShutdown         = "shutdown"
	EventConnectChallenge = "connect.challenge"
	EventHeartbeat        = "heartbeat"

	// Exporter progress events (spool drain / send outcomes).
	EventExportFlushed = "export.flushed"
	EventExportSent    = "export.sent"
	EventExportBackoff = "export.backoff"

	// Telegram fetch diagnostics (opt-in via OPENCLAW_TELEGRAM_DIAG=1).
	EventTelegramHTTPFetch = "telegram.http.fetch"
)

// Close causes recorded on the connection scratchpad.
const (
	CloseCauseHandshakeTimeout = "handshake-timeout"
	CloseCauseBackpressure     = "ws-backpressure"
	CloseCauseClientGone       = "client-gone"
	CloseCauseServerShutdown   = "server-shutdown"
)
