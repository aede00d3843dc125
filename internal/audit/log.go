// Package audit records verification attempts and the security alerts they
// raise. Recording never fails from the caller's point of view: persistence
// and publish errors are logged and counted instead.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"vendorverify.io/internal/alerts"
	"vendorverify.io/internal/auth"
	"vendorverify.io/internal/credential"
	"vendorverify.io/internal/ids"
	"vendorverify.io/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

const defaultTimeout = 5 * time.Second

// Logger persists attempts and alerts and publishes alerts.
type Logger struct {
	store     credential.AuditStore
	publisher alerts.Publisher
	log       *zap.Logger
	timeout   time.Duration
	now       func() time.Time
}

// Option configures a Logger.
type Option func(*Logger)

// WithPublisher sets where raised alerts are delivered after persistence.
func WithPublisher(p alerts.Publisher) Option {
	return func(l *Logger) { l.publisher = p }
}

// WithTimeout bounds each record's writes independently of the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(l *Logger) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// New returns a Logger writing to store.
func New(store credential.AuditStore, log *zap.Logger, opts ...Option) *Logger {
	l := &Logger{
		store:   store,
		log:     obs.OrNop(log).Named("audit"),
		timeout: defaultTimeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends one attempt and, for invalid and duplicate results, the
// matching alert. The writes run detached from ctx cancellation so a client
// disconnecting mid-request cannot drop its audit trail. Alerts are published
// even when they could not be persisted.
func (l *Logger) Record(ctx context.Context, result credential.Result, credentialID, detail string, md credential.Metadata) credential.Attempt {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()

	attempt := credential.Attempt{
		ID:           ids.New(ids.PrefixAttempt),
		CredentialID: credentialID,
		Result:       result,
		Detail:       detail,
		Metadata:     md,
		OccurredAt:   l.now(),
	}
	obs.ObserveVerification(string(result))

	fields := []zap.Field{
		zap.String("result", string(result)),
		zap.String("attempt_id", attempt.ID),
		zap.String("credential_id", credentialID),
		zap.String("network_address", md.NetworkAddress),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		fields = append(fields, zap.String("request_id", rid))
	}

	attemptStored := true
	if err := l.store.AppendAttempt(ctx, &attempt); err != nil {
		attemptStored = false
		obs.ObserveAuditFailure("attempt")
		l.log.Error("append attempt failed", append(fields, zap.Error(err))...)
	} else {
		l.log.Info("verification recorded", fields...)
	}

	typ, ok := credential.AlertFor(result)
	if !ok {
		return attempt
	}
	alert := credential.Alert{
		ID:           ids.New(ids.PrefixAlert),
		AttemptID:    attempt.ID,
		CredentialID: credentialID,
		Type:         typ,
		Severity:     typ.Severity(),
		CreatedAt:    attempt.OccurredAt,
	}
	obs.ObserveAlert(string(typ))
	fields = append(fields,
		zap.String("alert_id", alert.ID),
		zap.String("alert_type", string(typ)),
		zap.String("severity", string(alert.Severity)),
	)

	// The alert row references the attempt row.
	switch {
	case !attemptStored:
		obs.ObserveAuditFailure("alert")
		l.log.Error("append alert skipped: attempt not persisted", fields...)
	default:
		if err := l.store.AppendAlert(ctx, &alert); err != nil {
			obs.ObserveAuditFailure("alert")
			l.log.Error("append alert failed", append(fields, zap.Error(err))...)
		}
	}
	l.log.Warn("security alert raised", fields...)

	if l.publisher != nil {
		if err := l.publisher.Publish(ctx, alert); err != nil {
			obs.ObserveAuditFailure("publish")
			l.log.Warn("publish alert failed", zap.String("alert_id", alert.ID), zap.Error(err))
		}
	}
	return attempt
}

// Event writes a structured audit entry for administrative actions, enriched
// with request and principal context.
func (l *Logger) Event(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	zf := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", event),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		zf = append(zf, zap.String("request_id", rid))
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		zf = append(zf, zap.String("user_id", userID))
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	zf = append(zf, zap.Any("fields", copyFields))
	l.log.Info("audit event", zf...)
	return nil
}
