// Package verify decides whether a scanned token is genuine, consuming it on
// first use and auditing every decision.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vendorverify.io/internal/audit"
	"vendorverify.io/internal/credential"
	"vendorverify.io/internal/obs"
	"vendorverify.io/internal/token"
)

// ErrTransient marks failures that say nothing about the token: store
// timeouts and outages. Callers should retry; the scan is not recorded.
var ErrTransient = errors.New("verification temporarily unavailable")

// Kind is the business outcome of a verification.
type Kind string

const (
	Valid       Kind = "valid"
	AlreadyUsed Kind = "used"
	Invalid     Kind = "invalid"
)

// Outcome is returned for every decided scan. Credential and Product are
// zero for Invalid.
type Outcome struct {
	Kind       Kind
	Credential credential.Credential
	Product    credential.Product
	Attempt    credential.Attempt
}

// Store is the persistence the engine needs.
type Store interface {
	credential.ProductDirectory
	Consume(ctx context.Context, fingerprint string) (credential.Credential, bool, error)
	Revoke(ctx context.Context, id string) (credential.Credential, error)
}

// Fingerprinter derives the stored fingerprint of a scanned secret.
type Fingerprinter interface {
	FingerprintOf(secret string) string
}

var _ Fingerprinter = (*token.Codec)(nil)

// Recorder is the audit sink. Record must not fail.
type Recorder interface {
	Record(ctx context.Context, result credential.Result, credentialID, detail string, md credential.Metadata) credential.Attempt
	Event(ctx context.Context, event string, fields map[string]any) error
}

var _ Recorder = (*audit.Logger)(nil)

const (
	defaultStoreTimeout = 3 * time.Second
	detailValid         = "Verification successful"
	detailUsed          = "Duplicate scan attempt"
	detailRevoked       = "Revoked credential scanned"
	detailInvalid       = "Invalid token detected"
)

// Engine verifies scanned tokens.
type Engine struct {
	store        Store
	codec        Fingerprinter
	audit        Recorder
	log          *zap.Logger
	storeTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithStoreTimeout bounds each store round trip.
func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.storeTimeout = d
		}
	}
}

// New builds an Engine.
func New(store Store, codec Fingerprinter, rec Recorder, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		codec:        codec,
		audit:        rec,
		log:          obs.OrNop(log).Named("verify"),
		storeTimeout: defaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Verify consumes the credential behind scanned and reports the outcome.
// Exactly one concurrent caller observes Valid for any credential. Every
// Valid, AlreadyUsed and Invalid outcome is audited before Verify returns;
// transient errors are not.
func (e *Engine) Verify(ctx context.Context, scanned string, md credential.Metadata) (Outcome, error) {
	if !token.WellFormed(scanned) {
		return e.invalid(ctx, md), nil
	}
	fp := e.codec.FingerprintOf(scanned)

	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	c, consumed, err := e.store.Consume(sctx, fp)
	cancel()
	switch {
	case errors.Is(err, credential.ErrNotFound):
		return e.invalid(ctx, md), nil
	case err != nil:
		return Outcome{}, e.transient("consume", err)
	}

	out := Outcome{Credential: c}
	result, detail := credential.ResultDuplicate, detailUsed
	out.Kind = AlreadyUsed
	if consumed {
		out.Kind = Valid
		result, detail = credential.ResultSuccess, detailValid
	} else if c.Status == credential.StatusRevoked {
		detail = detailRevoked
	}
	out.Attempt = e.audit.Record(ctx, result, c.ID, detail, md)

	sctx, cancel = context.WithTimeout(ctx, e.storeTimeout)
	p, err := e.store.GetProduct(sctx, c.ProductID)
	cancel()
	if err != nil {
		return out, e.transient("product lookup", err)
	}
	out.Product = p
	return out, nil
}

// Revoke withdraws an active credential. Used and revoked credentials are
// left untouched and reported with credential.ErrNotRevocable.
func (e *Engine) Revoke(ctx context.Context, id string) (credential.Credential, error) {
	sctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	c, err := e.store.Revoke(sctx, id)
	if err != nil {
		return c, err
	}
	if err := e.audit.Event(ctx, "credential.revoke", map[string]any{"credential_id": id}); err != nil {
		e.log.Warn("audit event failed", zap.Error(err))
	}
	return c, nil
}

func (e *Engine) invalid(ctx context.Context, md credential.Metadata) Outcome {
	return Outcome{
		Kind:    Invalid,
		Attempt: e.audit.Record(ctx, credential.ResultInvalid, "", detailInvalid, md),
	}
}

func (e *Engine) transient(op string, err error) error {
	obs.ObserveVerifyTransient()
	e.log.Error("verification store failure", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
}
