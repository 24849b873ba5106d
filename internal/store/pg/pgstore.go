package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"fleetgate.org/internal/auth"
)

const uniqueViolation = "23505"

// Store is the Postgres-backed credential store. Per-identity serialization
// comes from row-level locking in the database; the service layer never
// holds an application lock across a query.
type Store struct {
	db *sql.DB
}

var _ auth.CredentialStore = (*Store)(nil)

// Open connects with the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle (used by tests with sqlmock).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Create(ctx context.Context, p *auth.Principal) error {
	identity := auth.NormalizeIdentity(p.Identity)
	_, err := s.db.ExecContext(ctx, `
		insert into principals (identity, display_name, role, password_hash, state, is_system_admin)
		values ($1, $2, $3, $4, $5, $6)`,
		identity, p.DisplayName, string(p.Role), p.PasswordHash, string(p.State), p.SystemAdmin,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return auth.ErrDuplicateIdentity
		}
		return err
	}
	return nil
}

func (s *Store) Find(ctx context.Context, identity string) (*auth.Principal, error) {
	row := s.db.QueryRowContext(ctx, `
		select identity, display_name, role, password_hash, state, is_system_admin,
		       created_at, updated_at, last_login
		from principals where identity = $1`,
		auth.NormalizeIdentity(identity),
	)
	return scanPrincipal(row)
}

func (s *Store) List(ctx context.Context) ([]*auth.Principal, error) {
	rows, err := s.db.QueryContext(ctx, `
		select identity, display_name, role, password_hash, state, is_system_admin,
		       created_at, updated_at, last_login
		from principals order by identity`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*auth.Principal
	for rows.Next() {
		p, err := scanPrincipal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpdatePassword(ctx context.Context, identity, hash string, state auth.AccountState) error {
	return s.exec(ctx, `
		update principals set password_hash = $2, state = $3, updated_at = now()
		where identity = $1`,
		auth.NormalizeIdentity(identity), hash, string(state),
	)
}

func (s *Store) UpdateState(ctx context.Context, identity string, state auth.AccountState) error {
	return s.exec(ctx, `
		update principals set state = $2, updated_at = now()
		where identity = $1`,
		auth.NormalizeIdentity(identity), string(state),
	)
}

func (s *Store) UpdateRole(ctx context.Context, identity string, role auth.Role) error {
	return s.exec(ctx, `
		update principals set role = $2, updated_at = now()
		where identity = $1`,
		auth.NormalizeIdentity(identity), string(role),
	)
}

func (s *Store) TouchLogin(ctx context.Context, identity string, at time.Time) error {
	return s.exec(ctx, `
		update principals set last_login = $2, updated_at = now()
		where identity = $1`,
		auth.NormalizeIdentity(identity), at.UTC(),
	)
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return auth.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row rowScanner) (*auth.Principal, error) {
	var (
		p         auth.Principal
		role      string
		state     string
		lastLogin sql.NullTime
	)
	err := row.Scan(&p.Identity, &p.DisplayName, &role, &p.PasswordHash, &state,
		&p.SystemAdmin, &p.CreatedAt, &p.UpdatedAt, &lastLogin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		return nil, err
	}
	p.Role = auth.Role(role)
	p.State = auth.AccountState(state)
	if lastLogin.Valid {
		p.LastLogin = lastLogin.Time
	}
	return &p, nil
}
