package netadapter

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/superkanban/internal/bus"
	"github.com/nextlevelbuilder/superkanban/internal/delivery"
	"github.com/nextlevelbuilder/superkanban/pkg/protocol"
)

// telegramHost is the only host the tap inspects.
const telegramHost = "api.telegram.org"

// maxSummarizedBody caps how much request body the tap will buffer.
const maxSummarizedBody = 1 << 20

// FetchDiagnostic is the payload of a telegram.http.fetch event.
type FetchDiagnostic struct {
	DeliveryID  string `json:"deliveryId,omitempty"`
	AccountID   string `json:"accountId,omitempty"`
	ChatID      string `json:"chatId,omitempty"`
	Operation   string `json:"operation,omitempty"`
	HTTPMethod  string `json:"httpMethod"`
	APIMethod   string `json:"apiMethod,omitempty"`
	Path        string `json:"path"`
	PayloadHash string `json:"payloadHash"`
}

// DiagnosticTransport wraps a RoundTripper and emits one telegram.http.fetch
// event per Bot API call. Diagnostic failures never interrupt the request.
type DiagnosticTransport struct {
	base   http.RoundTripper
	events bus.EventPublisher
}

// NewDiagnosticTransport wraps base (nil means http.DefaultTransport).
func NewDiagnosticTransport(base http.RoundTripper, events bus.EventPublisher) *DiagnosticTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &DiagnosticTransport{base: base, events: events}
}

// RoundTrip implements http.RoundTripper.
func (t *DiagnosticTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Hostname() == telegramHost {
		t.emit(req)
	}
	return t.base.RoundTrip(req)
}

// emit builds and publishes the diagnostic. Any panic or error inside is
// swallowed so the underlying request always proceeds.
func (t *DiagnosticTransport) emit(req *http.Request) {
	defer func() {
		if r := recover(); r != nil {
			slog.Debug("telegram diagnostic panicked", "panic", r)
		}
	}()

	apiMethod, redacted, ok := RedactTelegramPath(req.URL.Path)
	if !ok {
		return
	}

	diag := FetchDiagnostic{
		HTTPMethod:  req.Method,
		APIMethod:   apiMethod,
		Path:        redacted,
		PayloadHash: hashBodySummary(req),
	}
	if d, ok := delivery.Current(req.Context()); ok {
		diag.DeliveryID = d.DeliveryID
		diag.AccountID = d.AccountID
		diag.ChatID = d.ChatID
		diag.Operation = d.Operation
	}
	t.events.Broadcast(bus.Event{Name: protocol.EventTelegramHTTPFetch, Payload: diag})
}

// RedactTelegramPath strips the bot token out of a Bot API path:
//
//	/bot<token>/<method>       → <method>, /bot<redacted>/<method>
//	/file/bot<token>/<rest>    → "",       /file/bot<redacted>/<rest>
func RedactTelegramPath(path string) (apiMethod, redacted string, ok bool) {
	if rest, found := strings.CutPrefix(path, "/file/bot"); found {
		_, tail, found := strings.Cut(rest, "/")
		if !found {
			return "", "/file/bot<redacted>", true
		}
		return "", "/file/bot<redacted>/" + tail, true
	}
	if rest, found := strings.CutPrefix(path, "/bot"); found {
		_, tail, found := strings.Cut(rest, "/")
		if !found {
			return "", "/bot<redacted>", true
		}
		method := tail
		if i := strings.IndexByte(tail, '/'); i >= 0 {
			method = tail[:i]
		}
		return method, "/bot<redacted>/" + tail, true
	}
	return "", "", false
}

// bodySummary is the type-safe shape hashed into payloadHash.
type bodySummary struct {
	Kind   string `json:"kind"`
	Bytes  int    `json:"bytes"`
	Sha256 string `json:"sha256,omitempty"`
}

// hashBodySummary summarizes the request body without consuming it and
// returns the sha256 of the JSON-encoded summary.
func hashBodySummary(req *http.Request) string {
	summary := bodySummary{Kind: "empty"}

	data, ok := peekBody(req)
	if ok && len(data) > 0 {
		summary.Kind = kindForContentType(req.Header.Get("Content-Type"))
		summary.Bytes = len(data)
		sum := sha256.Sum256(data)
		summary.Sha256 = hex.EncodeToString(sum[:])
	} else if req.Body != nil && !ok {
		summary.Kind = "unknown"
	}

	encoded, err := json.Marshal(summary)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

// peekBody returns the body bytes, restoring req.Body for the real send.
// Bodies without GetBody are buffered up to maxSummarizedBody.
func peekBody(req *http.Request) ([]byte, bool) {
	if req.Body == nil {
		return nil, true
	}
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return nil, false
		}
		defer rc.Close()
		data, err := io.ReadAll(io.LimitReader(rc, maxSummarizedBody))
		if err != nil {
			return nil, false
		}
		return data, true
	}

	data, err := io.ReadAll(io.LimitReader(req.Body, maxSummarizedBody))
	req.Body.Close()
	if err != nil {
		return nil, false
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	return data, true
}

func kindForContentType(ct string) string {
	switch {
	case strings.Contains(ct, "application/x-www-form-urlencoded"):
		return "urlsearchparams"
	case strings.Contains(ct, "multipart/form-data"):
		return "formdata"
	case strings.Contains(ct, "application/json"), strings.HasPrefix(ct, "text/"):
		return "string"
	case ct == "":
		return "buffer"
	default:
		return "uint8array"
	}
}
