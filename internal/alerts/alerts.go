// Package alerts delivers security alerts to interested parties outside the
// audit store: a NATS subject for downstream consumers and in-process
// subscribers such as the admin dashboard stream.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"vendorverify.io/internal/credential"
)

// Publisher delivers an alert. Implementations must not block for long.
type Publisher interface {
	Publish(ctx context.Context, alert credential.Alert) error
}

// Message is the wire form published on NATS.
type Message struct {
	AlertID      string `json:"alert_id"`
	AttemptID    string `json:"attempt_id"`
	CredentialID string `json:"credential_id,omitempty"`
	Type         string `json:"alert_type"`
	Severity     string `json:"severity"`
	CreatedAt    string `json:"created_at"`
}

func toMessage(a credential.Alert) Message {
	return Message{
		AlertID:      a.ID,
		AttemptID:    a.AttemptID,
		CredentialID: a.CredentialID,
		Type:         string(a.Type),
		Severity:     string(a.Severity),
		CreatedAt:    a.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Subject returns the NATS subject for an alert type, e.g.
// "vendorverify.alerts.invalid_token".
func Subject(prefix string, t credential.AlertType) string {
	return strings.TrimSuffix(prefix, ".") + "." + strings.ToLower(string(t))
}

type natsConn interface {
	Publish(subj string, data []byte) error
	Close()
}

// NATSPublisher publishes alerts as JSON on per-type subjects.
type NATSPublisher struct {
	conn   natsConn
	prefix string
	logger *zap.Logger
}

// DialNATS connects to the NATS server at url.
func DialNATS(url, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("vendorverify-api"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	logger.Info("connected to NATS", zap.String("url", url))
	return newNATSPublisher(conn, prefix, logger), nil
}

func newNATSPublisher(conn natsConn, prefix string, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}
}

func (p *NATSPublisher) Publish(ctx context.Context, alert credential.Alert) error {
	data, err := json.Marshal(toMessage(alert))
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	subject := Subject(p.prefix, alert.Type)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish alert on %s: %w", subject, err)
	}
	p.logger.Debug("alert published", zap.String("subject", subject), zap.String("alert_id", alert.ID))
	return nil
}

// Close drains nothing; alerts are fire-and-forget.
func (p *NATSPublisher) Close() {
	p.conn.Close()
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, alert credential.Alert) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
