// Package config loads the gateway/exporter configuration from a JSON5 file
// and overlays environment variables.
package config

import "sync"

// Config is the root configuration.
type Config struct {
	Gateway     GatewayConfig     `json:"gateway"`
	SuperKanban SuperKanbanConfig `json:"super_kanban"`
	Export      ExportConfig      `json:"export"`
	SkSync      SkSyncConfig      `json:"sk_sync"`
	Telegram    TelegramConfig    `json:"telegram,omitempty"`
	Net         NetConfig         `json:"net,omitempty"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty"`

	mu sync.RWMutex
}

// GatewayConfig configures the WebSocket gateway.
type GatewayConfig struct {
	Host               string   `json:"host"`
	Port               int      `json:"port"`
	Token              string   `json:"-"` // env only
	AllowedOrigins     []string `json:"allowed_origins,omitempty"`
	MaxBufferedBytes   int      `json:"max_buffered_bytes,omitempty"`
	HandshakeTimeoutMs int      `json:"handshake_timeout_ms,omitempty"`
	RateLimitRPM       int      `json:"rate_limit_rpm,omitempty"`
}

// SuperKanbanConfig configures the SK HTTP client. Credentials come from env
// only and are never persisted to the config file.
type SuperKanbanConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"-"`
	APIKey  string `json:"-"`
	// Legacy "Name: value" header pair, used when split credentials are absent.
	AuthHeader      string `json:"-"`
	ReadAuthHeader  string `json:"read_auth_header,omitempty"`
	WriteAuthHeader string `json:"write_auth_header,omitempty"`
	TimeoutMs       int    `json:"timeout_ms,omitempty"`

	AttachPath    string `json:"attach_path,omitempty"`
	MessagesPath  string `json:"messages_path,omitempty"`
	ToolCallsPath string `json:"tool_calls_path,omitempty"`
}

// ExportConfig configures the transcript exporter.
type ExportConfig struct {
	StateDir       string          `json:"state_dir"`
	PluginID       string          `json:"plugin_id,omitempty"`
	PollIntervalMs int             `json:"poll_interval_ms,omitempty"`
	DebounceMs     int             `json:"debounce_ms,omitempty"`
	Backfill       bool            `json:"backfill,omitempty"`
	Redaction      RedactionConfig `json:"redaction,omitempty"`
}

// RedactionConfig configures field scrubbing and truncation budgets.
type RedactionConfig struct {
	Mode     string   `json:"mode,omitempty"` // "off" or "tools"
	Patterns []string `json:"patterns,omitempty"`

	MessageMax    int `json:"message_max,omitempty"`
	ToolInputMax  int `json:"tool_input_max,omitempty"`
	ToolOutputMax int `json:"tool_output_max,omitempty"`
	ErrorMax      int `json:"error_max,omitempty"`
}

// SkSyncConfig configures the session controller.
type SkSyncConfig struct {
	Enabled            bool   `json:"enabled,omitempty"`
	GatewayURL         string `json:"gateway_url,omitempty"` // wake RPC target
	TaskLockTTLSeconds int    `json:"task_lock_ttl_seconds,omitempty"`
	WakeParentOnEnd    *bool  `json:"wake_parent_on_end,omitempty"`
}

// TelegramConfig configures the voice sender.
type TelegramConfig struct {
	Token      string `json:"-"` // env only
	DedupVoice bool   `json:"dedup_voice,omitempty"`
	Diag       bool   `json:"diag,omitempty"`
}

// NetConfig configures the outbound network adapter.
type NetConfig struct {
	AutoSelectFamily    *bool  `json:"auto_select_family,omitempty"` // default true
	DNSResultOrder      string `json:"dns_result_order,omitempty"`   // "ipv4first" or "verbatim"
	SearchMinIntervalMs int    `json:"search_min_interval_ms,omitempty"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// AutoSelectFamily reports the effective dialer family preference.
func (n *NetConfig) AutoSelectFamilyEnabled() bool {
	return n.AutoSelectFamily == nil || *n.AutoSelectFamily
}

// WakeParent reports the effective wake-parent-on-end default.
func (s *SkSyncConfig) WakeParent() bool {
	return s.WakeParentOnEnd == nil || *s.WakeParentOnEnd
}
