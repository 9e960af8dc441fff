// Package delivery carries the Telegram delivery binding across the async
// boundaries of a send: the bot API calls, the diagnostic tap, and the voice
// deduper all read it from the context.
package delivery

import (
	"context"

	"github.com/google/uuid"
)

// TelegramDeliveryContext identifies one outbound delivery.
type TelegramDeliveryContext struct {
	DeliveryID string
	AccountID  string
	ChatID     string
	Operation  string
}

type ctxKey struct{}

// With binds d for everything derived from the returned context. An inner
// With shadows the outer; sibling goroutines spawned from the same parent
// each observe their own copy.
func With(ctx context.Context, d TelegramDeliveryContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, d)
}

// WithPartial overlays the non-zero fields of partial onto the current
// binding. A fresh deliveryId is assigned iff partial does not supply one and
// none is inherited.
func WithPartial(ctx context.Context, partial TelegramDeliveryContext) context.Context {
	d, _ := Current(ctx)
	if partial.DeliveryID != "" {
		d.DeliveryID = partial.DeliveryID
	}
	if partial.AccountID != "" {
		d.AccountID = partial.AccountID
	}
	if partial.ChatID != "" {
		d.ChatID = partial.ChatID
	}
	if partial.Operation != "" {
		d.Operation = partial.Operation
	}
	if d.DeliveryID == "" {
		d.DeliveryID = uuid.NewString()
	}
	return With(ctx, d)
}

// Current returns the binding in effect, if any.
func Current(ctx context.Context) (TelegramDeliveryContext, bool) {
	d, ok := ctx.Value(ctxKey{}).(TelegramDeliveryContext)
	return d, ok
}
