package openfinance

import (
	"context"

	"finlink/internal/domain/link"
)

// Alerter tells the link owner about events that need their attention.
// Calls are best effort and never fail the operation.
type Alerter interface {
	RelinkRequired(ctx context.Context, l *link.InstitutionLink, errorCode string)
	SyncCompleted(ctx context.Context, l *link.InstitutionLink, added int)
	LinkRevoked(ctx context.Context, l *link.InstitutionLink)
}

// NopAlerter discards alerts.
type NopAlerter struct{}

func (NopAlerter) RelinkRequired(context.Context, *link.InstitutionLink, string) {}
func (NopAlerter) SyncCompleted(context.Context, *link.InstitutionLink, int)     {}
func (NopAlerter) LinkRevoked(context.Context, *link.InstitutionLink)            {}
