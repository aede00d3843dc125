package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"vendorverify.io/internal/credential"
	"vendorverify.io/internal/ids"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const maxConsumeRetries = 3

// Store is the SQLite implementation of credential.Store.
type Store struct {
	db  *DB
	now func() time.Time
}

var _ credential.Store = (*Store)(nil)

// Open opens the database at path and applies migrations.
func Open(path string) (*Store, error) {
	db, err := NewDB(path)
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(db.Writer); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

// New wraps an already migrated DB.
func New(db *DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.Reader.PingContext(ctx) }

func (s *Store) stamp() (time.Time, string) {
	t := s.now().UTC()
	return t, t.Format(timeLayout)
}

func (s *Store) CreateVendor(ctx context.Context, v *credential.Vendor) error {
	if v.UserID == "" || v.CompanyName == "" {
		return credential.ErrInvalidInput
	}
	if v.ID == "" {
		v.ID = ids.New(ids.PrefixVendor)
	}
	var ts string
	v.CreatedAt, ts = s.stamp()

	const query = `INSERT INTO vendors (id, user_id, company_name, created_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.Writer.ExecContext(ctx, query, v.ID, v.UserID, v.CompanyName, ts); err != nil {
		if isConstraint(err, "UNIQUE") {
			return credential.ErrAlreadyExists
		}
		return fmt.Errorf("create vendor: %w", err)
	}
	return nil
}

func (s *Store) VendorByUser(ctx context.Context, userID string) (credential.Vendor, error) {
	const query = `SELECT id, user_id, company_name, created_at FROM vendors WHERE user_id = ?`

	var (
		v  credential.Vendor
		ts string
	)
	err := s.db.Reader.QueryRowContext(ctx, query, userID).Scan(&v.ID, &v.UserID, &v.CompanyName, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Vendor{}, credential.ErrVendorNotFound
	}
	if err != nil {
		return credential.Vendor{}, fmt.Errorf("get vendor: %w", err)
	}
	if v.CreatedAt, err = parseTime(ts); err != nil {
		return credential.Vendor{}, err
	}
	return v, nil
}

func (s *Store) CreateProduct(ctx context.Context, p *credential.Product) error {
	if p.Name == "" {
		return credential.ErrInvalidInput
	}
	tx, err := s.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `SELECT company_name FROM vendors WHERE id = ?`, p.VendorID).Scan(&p.VendorName)
	if errors.Is(err, sql.ErrNoRows) {
		return credential.ErrVendorNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup vendor: %w", err)
	}
	if p.ID == "" {
		p.ID = ids.New(ids.PrefixProduct)
	}
	var ts string
	p.CreatedAt, ts = s.stamp()

	const query = `INSERT INTO products (id, vendor_id, name, batch_id, description, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, query, p.ID, p.VendorID, p.Name, p.BatchID, p.Description, ts); err != nil {
		return fmt.Errorf("create product: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetProduct(ctx context.Context, id string) (credential.Product, error) {
	const query = `
		SELECT p.id, p.vendor_id, v.company_name, p.name, p.batch_id, p.description, p.created_at
		FROM products p JOIN vendors v ON v.id = p.vendor_id
		WHERE p.id = ?`

	p, err := scanProduct(s.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Product{}, credential.ErrProductNotFound
	}
	if err != nil {
		return credential.Product{}, fmt.Errorf("get product %s: %w", id, err)
	}
	return p, nil
}

func (s *Store) ListProducts(ctx context.Context, vendorID string, limit int) ([]credential.ProductSummary, error) {
	const query = `
		SELECT p.id, p.vendor_id, v.company_name, p.name, p.batch_id, p.description, p.created_at,
			COUNT(CASE WHEN c.status = 'active' THEN 1 END),
			COUNT(CASE WHEN c.status = 'used' THEN 1 END),
			COUNT(CASE WHEN c.status = 'revoked' THEN 1 END)
		FROM products p
		JOIN vendors v ON v.id = p.vendor_id
		LEFT JOIN credentials c ON c.product_id = p.id
		WHERE p.vendor_id = ?
		GROUP BY p.id
		ORDER BY p.id DESC
		LIMIT ?`

	rows, err := s.db.Reader.QueryContext(ctx, query, vendorID, credential.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var res []credential.ProductSummary
	for rows.Next() {
		var (
			ps credential.ProductSummary
			ts string
		)
		if err := rows.Scan(&ps.ID, &ps.VendorID, &ps.VendorName, &ps.Name, &ps.BatchID, &ps.Description, &ts,
			&ps.Active, &ps.Used, &ps.Revoked); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		if ps.CreatedAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate products: %w", err)
	}
	return res, nil
}

func (s *Store) InsertCredential(ctx context.Context, c *credential.Credential) error {
	if c.Fingerprint == "" || c.ProductID == "" {
		return credential.ErrInvalidInput
	}
	if c.ID == "" {
		c.ID = ids.New(ids.PrefixCredential)
	}
	c.Status = credential.StatusActive
	var ts string
	c.CreatedAt, ts = s.stamp()

	const query = `INSERT INTO credentials (id, product_id, fingerprint, status, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.Writer.ExecContext(ctx, query, c.ID, c.ProductID, c.Fingerprint, string(c.Status), ts)
	switch {
	case err == nil:
		return nil
	case isConstraint(err, "FOREIGN KEY"):
		return credential.ErrProductNotFound
	case isConstraint(err, "UNIQUE"):
		return credential.ErrAlreadyExists
	}
	return fmt.Errorf("insert credential: %w", err)
}

const credentialColumns = `id, product_id, fingerprint, status, created_at, used_at, revoked_at`

func (s *Store) Consume(ctx context.Context, fingerprint string) (credential.Credential, bool, error) {
	const (
		update = `UPDATE credentials SET status = 'used', used_at = ?
			WHERE fingerprint = ? AND status = 'active'
			RETURNING ` + credentialColumns
		read = `SELECT ` + credentialColumns + ` FROM credentials WHERE fingerprint = ?`
	)
	for i := 0; i < maxConsumeRetries; i++ {
		_, ts := s.stamp()
		c, err := scanCredential(s.db.Writer.QueryRowContext(ctx, update, ts, fingerprint))
		if err == nil {
			return c, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return credential.Credential{}, false, fmt.Errorf("consume: %w", err)
		}

		c, err = scanCredential(s.db.Writer.QueryRowContext(ctx, read, fingerprint))
		if errors.Is(err, sql.ErrNoRows) {
			return credential.Credential{}, false, credential.ErrNotFound
		}
		if err != nil {
			return credential.Credential{}, false, fmt.Errorf("read credential: %w", err)
		}
		if c.Status != credential.StatusActive {
			return c, false, nil
		}
	}
	return credential.Credential{}, false, fmt.Errorf("consume %s: credential stayed active after %d attempts", fingerprint, maxConsumeRetries)
}

func (s *Store) Revoke(ctx context.Context, id string) (credential.Credential, error) {
	const update = `UPDATE credentials SET status = 'revoked', revoked_at = ?
		WHERE id = ? AND status = 'active'
		RETURNING ` + credentialColumns

	_, ts := s.stamp()
	c, err := scanCredential(s.db.Writer.QueryRowContext(ctx, update, ts, id))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return credential.Credential{}, fmt.Errorf("revoke: %w", err)
	}
	c, err = scanCredential(s.db.Writer.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM credentials WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Credential{}, credential.ErrNotFound
	}
	if err != nil {
		return credential.Credential{}, fmt.Errorf("read credential: %w", err)
	}
	return c, credential.ErrNotRevocable
}

func (s *Store) AppendAttempt(ctx context.Context, a *credential.Attempt) error {
	if a.ID == "" {
		a.ID = ids.New(ids.PrefixAttempt)
	}
	if a.OccurredAt.IsZero() {
		a.OccurredAt = s.now().UTC()
	}
	const query = `
		INSERT INTO verification_attempts
			(id, credential_id, result, detail, network_address, location, user_agent, occurred_at)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Writer.ExecContext(ctx, query, a.ID, a.CredentialID, string(a.Result), a.Detail,
		a.Metadata.NetworkAddress, a.Metadata.Location, a.Metadata.UserAgent, a.OccurredAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}
	return nil
}

func (s *Store) AppendAlert(ctx context.Context, a *credential.Alert) error {
	if a.ID == "" {
		a.ID = ids.New(ids.PrefixAlert)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	const query = `
		INSERT INTO security_alerts (id, attempt_id, credential_id, alert_type, severity, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?)`
	_, err := s.db.Writer.ExecContext(ctx, query, a.ID, a.AttemptID, a.CredentialID,
		string(a.Type), string(a.Severity), a.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("append alert: %w", err)
	}
	return nil
}

func (s *Store) ListAttempts(ctx context.Context, limit int) ([]credential.AttemptView, error) {
	const query = `
		SELECT a.id, COALESCE(a.credential_id, ''), a.result, a.detail,
			a.network_address, a.location, a.user_agent, a.occurred_at,
			COALESCE(p.name, ''), COALESCE(p.batch_id, ''), COALESCE(v.company_name, '')
		FROM verification_attempts a
		LEFT JOIN credentials c ON c.id = a.credential_id
		LEFT JOIN products p ON p.id = c.product_id
		LEFT JOIN vendors v ON v.id = p.vendor_id
		ORDER BY a.occurred_at DESC, a.id DESC
		LIMIT ?`

	rows, err := s.db.Reader.QueryContext(ctx, query, credential.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var res []credential.AttemptView
	for rows.Next() {
		var (
			v      credential.AttemptView
			result string
			ts     string
		)
		if err := rows.Scan(&v.ID, &v.CredentialID, &result, &v.Detail,
			&v.Metadata.NetworkAddress, &v.Metadata.Location, &v.Metadata.UserAgent, &ts,
			&v.ProductName, &v.BatchID, &v.VendorName); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		v.Result = credential.Result(result)
		if v.OccurredAt, err = parseTime(ts); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return res, nil
}

func (s *Store) Stats(ctx context.Context) (credential.Stats, error) {
	const query = `
		SELECT
			(SELECT COUNT(*) FROM vendors),
			(SELECT COUNT(*) FROM products),
			(SELECT COUNT(*) FROM credentials),
			(SELECT COUNT(*) FROM credentials WHERE status = 'active'),
			(SELECT COUNT(*) FROM verification_attempts),
			(SELECT COUNT(*) FROM security_alerts)`

	var st credential.Stats
	err := s.db.Reader.QueryRowContext(ctx, query).
		Scan(&st.Vendors, &st.Products, &st.Credentials, &st.ActiveCredentials, &st.Attempts, &st.Alerts)
	if err != nil {
		return credential.Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanProduct(s scanner) (credential.Product, error) {
	var (
		p  credential.Product
		ts string
	)
	if err := s.Scan(&p.ID, &p.VendorID, &p.VendorName, &p.Name, &p.BatchID, &p.Description, &ts); err != nil {
		return credential.Product{}, err
	}
	var err error
	if p.CreatedAt, err = parseTime(ts); err != nil {
		return credential.Product{}, err
	}
	return p, nil
}

func scanCredential(s scanner) (credential.Credential, error) {
	var (
		c               credential.Credential
		status, created string
		used, revoked   sql.NullString
	)
	if err := s.Scan(&c.ID, &c.ProductID, &c.Fingerprint, &status, &created, &used, &revoked); err != nil {
		return credential.Credential{}, err
	}
	c.Status = credential.Status(status)
	var err error
	if c.CreatedAt, err = parseTime(created); err != nil {
		return credential.Credential{}, err
	}
	if c.UsedAt, err = parseNullTime(used); err != nil {
		return credential.Credential{}, err
	}
	if c.RevokedAt, err = parseNullTime(revoked); err != nil {
		return credential.Credential{}, err
	}
	return c, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// parseTime tries the stored layout first, then common SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	formats := []string{
		timeLayout,
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05Z",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time format: %s", s)
}

func isConstraint(err error, kind string) bool {
	return err != nil && strings.Contains(err.Error(), kind+" constraint failed")
}
