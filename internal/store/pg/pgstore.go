// Package pg implements the credential store on PostgreSQL through the pgx
// database/sql driver.
package pg

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"vendorverify.io/internal/credential"
	"vendorverify.io/internal/ids"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrations returns the embedded schema migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// maxConsumeRetries bounds the update/read loop in Consume.
const maxConsumeRetries = 3

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ credential.Store = (*Store)(nil)

func Open(dsn string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if maxOpenConns <= 0 {
		maxOpenConns = 20
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns / 2)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) CreateVendor(ctx context.Context, v *credential.Vendor) error {
	if v.UserID == "" || v.CompanyName == "" {
		return credential.ErrInvalidInput
	}
	if v.ID == "" {
		v.ID = ids.New(ids.PrefixVendor)
	}
	v.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `
		insert into vendors(id, user_id, company_name, created_at)
		values ($1,$2,$3,$4)
	`, v.ID, v.UserID, v.CompanyName, v.CreatedAt)
	if pgCode(err) == codeUniqueViolation {
		return credential.ErrAlreadyExists
	}
	return err
}

func (s *Store) VendorByUser(ctx context.Context, userID string) (credential.Vendor, error) {
	var v credential.Vendor
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, company_name, created_at from vendors where user_id=$1
	`, userID).Scan(&v.ID, &v.UserID, &v.CompanyName, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Vendor{}, credential.ErrVendorNotFound
	}
	return v, err
}

func (s *Store) CreateProduct(ctx context.Context, p *credential.Product) error {
	if p.Name == "" {
		return credential.ErrInvalidInput
	}
	if p.ID == "" {
		p.ID = ids.New(ids.PrefixProduct)
	}
	p.CreatedAt = s.now()
	err := s.db.QueryRowContext(ctx, `
		with ins as (
			insert into products(id, vendor_id, name, batch_id, description, created_at)
			values ($1,$2,$3,$4,$5,$6)
			returning vendor_id
		)
		select v.company_name from ins join vendors v on v.id = ins.vendor_id
	`, p.ID, p.VendorID, p.Name, p.BatchID, p.Description, p.CreatedAt).Scan(&p.VendorName)
	if pgCode(err) == codeForeignKeyViolation {
		return credential.ErrVendorNotFound
	}
	return err
}

func (s *Store) GetProduct(ctx context.Context, id string) (credential.Product, error) {
	var p credential.Product
	err := s.db.QueryRowContext(ctx, `
		select p.id, p.vendor_id, v.company_name, p.name, p.batch_id, p.description, p.created_at
		from products p join vendors v on v.id = p.vendor_id
		where p.id=$1
	`, id).Scan(&p.ID, &p.VendorID, &p.VendorName, &p.Name, &p.BatchID, &p.Description, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Product{}, credential.ErrProductNotFound
	}
	return p, err
}

func (s *Store) ListProducts(ctx context.Context, vendorID string, limit int) ([]credential.ProductSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.vendor_id, v.company_name, p.name, p.batch_id, p.description, p.created_at,
			count(c.id) filter (where c.status = 'active'),
			count(c.id) filter (where c.status = 'used'),
			count(c.id) filter (where c.status = 'revoked')
		from products p
		join vendors v on v.id = p.vendor_id
		left join credentials c on c.product_id = p.id
		where p.vendor_id = $1
		group by p.id, v.company_name
		order by p.id desc
		limit $2
	`, vendorID, credential.ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []credential.ProductSummary
	for rows.Next() {
		var ps credential.ProductSummary
		if err := rows.Scan(&ps.ID, &ps.VendorID, &ps.VendorName, &ps.Name, &ps.BatchID, &ps.Description, &ps.CreatedAt,
			&ps.Active, &ps.Used, &ps.Revoked); err != nil {
			return nil, err
		}
		res = append(res, ps)
	}
	return res, rows.Err()
}

func (s *Store) InsertCredential(ctx context.Context, c *credential.Credential) error {
	if c.Fingerprint == "" || c.ProductID == "" {
		return credential.ErrInvalidInput
	}
	if c.ID == "" {
		c.ID = ids.New(ids.PrefixCredential)
	}
	c.Status = credential.StatusActive
	c.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `
		insert into credentials(id, product_id, fingerprint, status, created_at)
		values ($1,$2,$3,$4,$5)
	`, c.ID, c.ProductID, c.Fingerprint, string(c.Status), c.CreatedAt)
	switch pgCode(err) {
	case codeForeignKeyViolation:
		return credential.ErrProductNotFound
	case codeUniqueViolation:
		return credential.ErrAlreadyExists
	}
	return err
}

const credentialColumns = `id, product_id, fingerprint, status, created_at, used_at, revoked_at`

// Consume performs the active->used transition as one conditional update.
// Concurrent callers race on the row lock; only the first sees a returned row.
func (s *Store) Consume(ctx context.Context, fingerprint string) (credential.Credential, bool, error) {
	for i := 0; i < maxConsumeRetries; i++ {
		c, err := scanCredential(s.db.QueryRowContext(ctx, `
			update credentials set status = 'used', used_at = $2
			where fingerprint = $1 and status = 'active'
			returning `+credentialColumns, fingerprint, s.now()))
		if err == nil {
			return c, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return credential.Credential{}, false, err
		}

		c, err = scanCredential(s.db.QueryRowContext(ctx, `
			select `+credentialColumns+` from credentials where fingerprint = $1
		`, fingerprint))
		if errors.Is(err, sql.ErrNoRows) {
			return credential.Credential{}, false, credential.ErrNotFound
		}
		if err != nil {
			return credential.Credential{}, false, err
		}
		if c.Status != credential.StatusActive {
			return c, false, nil
		}
		// Inserted between the update and the read; try the update again.
	}
	return credential.Credential{}, false, fmt.Errorf("consume %s: credential stayed active after %d attempts", fingerprint, maxConsumeRetries)
}

func (s *Store) Revoke(ctx context.Context, id string) (credential.Credential, error) {
	c, err := scanCredential(s.db.QueryRowContext(ctx, `
		update credentials set status = 'revoked', revoked_at = $2
		where id = $1 and status = 'active'
		returning `+credentialColumns, id, s.now()))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return credential.Credential{}, err
	}
	c, err = scanCredential(s.db.QueryRowContext(ctx, `
		select `+credentialColumns+` from credentials where id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return credential.Credential{}, credential.ErrNotFound
	}
	if err != nil {
		return credential.Credential{}, err
	}
	return c, credential.ErrNotRevocable
}

func (s *Store) AppendAttempt(ctx context.Context, a *credential.Attempt) error {
	if a.ID == "" {
		a.ID = ids.New(ids.PrefixAttempt)
	}
	if a.OccurredAt.IsZero() {
		a.OccurredAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into verification_attempts(id, credential_id, result, detail, network_address, location, user_agent, occurred_at)
		values ($1,nullif($2,''),$3,$4,$5,$6,$7,$8)
	`, a.ID, a.CredentialID, string(a.Result), a.Detail,
		a.Metadata.NetworkAddress, a.Metadata.Location, a.Metadata.UserAgent, a.OccurredAt)
	return err
}

func (s *Store) AppendAlert(ctx context.Context, a *credential.Alert) error {
	if a.ID == "" {
		a.ID = ids.New(ids.PrefixAlert)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into security_alerts(id, attempt_id, credential_id, alert_type, severity, created_at)
		values ($1,$2,nullif($3,''),$4,$5,$6)
	`, a.ID, a.AttemptID, a.CredentialID, string(a.Type), string(a.Severity), a.CreatedAt)
	return err
}

func (s *Store) ListAttempts(ctx context.Context, limit int) ([]credential.AttemptView, error) {
	rows, err := s.db.QueryContext(ctx, `
		select a.id, coalesce(a.credential_id, ''), a.result, a.detail,
			a.network_address, a.location, a.user_agent, a.occurred_at,
			coalesce(p.name, ''), coalesce(p.batch_id, ''), coalesce(v.company_name, '')
		from verification_attempts a
		left join credentials c on c.id = a.credential_id
		left join products p on p.id = c.product_id
		left join vendors v on v.id = p.vendor_id
		order by a.occurred_at desc, a.id desc
		limit $1
	`, credential.ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []credential.AttemptView
	for rows.Next() {
		var (
			v      credential.AttemptView
			result string
		)
		if err := rows.Scan(&v.ID, &v.CredentialID, &result, &v.Detail,
			&v.Metadata.NetworkAddress, &v.Metadata.Location, &v.Metadata.UserAgent, &v.OccurredAt,
			&v.ProductName, &v.BatchID, &v.VendorName); err != nil {
			return nil, err
		}
		v.Result = credential.Result(result)
		res = append(res, v)
	}
	return res, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (credential.Stats, error) {
	var st credential.Stats
	err := s.db.QueryRowContext(ctx, `
		select
			(select count(*) from vendors),
			(select count(*) from products),
			(select count(*) from credentials),
			(select count(*) from credentials where status = 'active'),
			(select count(*) from verification_attempts),
			(select count(*) from security_alerts)
	`).Scan(&st.Vendors, &st.Products, &st.Credentials, &st.ActiveCredentials, &st.Attempts, &st.Alerts)
	return st, err
}

// --- helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanCredential(row scanner) (credential.Credential, error) {
	var (
		c       credential.Credential
		status  string
		used    sql.NullTime
		revoked sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.ProductID, &c.Fingerprint, &status, &c.CreatedAt, &used, &revoked); err != nil {
		return credential.Credential{}, err
	}
	c.Status = credential.Status(status)
	if used.Valid {
		t := used.Time
		c.UsedAt = &t
	}
	if revoked.Valid {
		t := revoked.Time
		c.RevokedAt = &t
	}
	return c, nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
