package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"authgate.org/internal/ids"
)

var (
	_ UserStore         = (*PGUserStore)(nil)
	_ RefreshTokenStore = (*PGRefreshTokenStore)(nil)
)

// PGUserStore implements UserStore on PostgreSQL.
type PGUserStore struct {
	db *sql.DB
}

func NewPGUserStore(db *sql.DB) *PGUserStore {
	return &PGUserStore{db: db}
}

const userColumns = `id, username, email, password_hash, role, status, created_at, updated_at`

func (s *PGUserStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, username, email, password_hash, role, status) values($1,$2,$3,$4,$5,$6)`,
		u.ID, u.Username, u.Email, u.PasswordHash, string(u.Role), u.Status,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *PGUserStore) Find(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id)
	return scanUser(row)
}

func (s *PGUserStore) FindByIdentifier(ctx context.Context, identifier string) (*User, error) {
	identifier = strings.ToLower(strings.TrimSpace(identifier))
	row := s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where lower(username)=$1 or lower(email)=$1`, identifier)
	return scanUser(row)
}

func (s *PGUserStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_hash=$2, updated_at=now() where id=$1`, userID, passwordHash)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PGUserStore) SetStatus(ctx context.Context, userID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set status=$2, updated_at=now() where id=$1`, userID, status)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		u    User
		role string
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &role, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Role, _ = ParseRole(role)
	return &u, nil
}

// PGRefreshTokenStore implements RefreshTokenStore on PostgreSQL. Consume
// relies on a conditional single-row update, which Postgres executes with
// row-level locking: exactly one concurrent rotation can flip the flag.
type PGRefreshTokenStore struct {
	db *sql.DB
}

func NewPGRefreshTokenStore(db *sql.DB) *PGRefreshTokenStore {
	return &PGRefreshTokenStore{db: db}
}

func (s *PGRefreshTokenStore) Create(ctx context.Context, tok *RefreshToken) error {
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, user_id, token_hash, expires_at, client_addr, user_agent)
		 values($1,$2,$3,$4,$5,$6)`,
		tok.ID, tok.UserID, tok.TokenHash, tok.ExpiresAt, tok.ClientAddr, tok.UserAgent,
	)
	return err
}

func (s *PGRefreshTokenStore) Find(ctx context.Context, id string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, user_id, token_hash, expires_at, created_at, revoked, revoked_at, client_addr, user_agent
		 from refresh_tokens where id=$1`, id)
	var (
		tok       RefreshToken
		revokedAt sql.NullTime
	)
	err := row.Scan(&tok.ID, &tok.UserID, &tok.TokenHash, &tok.ExpiresAt, &tok.CreatedAt,
		&tok.Revoked, &revokedAt, &tok.ClientAddr, &tok.UserAgent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRefreshNotFound
	}
	if err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		tok.RevokedAt = &t
	}
	return &tok, nil
}

func (s *PGRefreshTokenStore) Consume(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true, revoked_at=now() where id=$1 and not revoked`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	// Nothing flipped: the token is either gone or already rotated/revoked.
	var revoked bool
	err = s.db.QueryRowContext(ctx, `select revoked from refresh_tokens where id=$1`, id).Scan(&revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRefreshNotFound
	}
	if err != nil {
		return err
	}
	return ErrRefreshRevoked
}

func (s *PGRefreshTokenStore) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true, revoked_at=coalesce(revoked_at, now()) where id=$1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRefreshNotFound
	}
	return nil
}

func (s *PGRefreshTokenStore) RevokeAllForUser(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true, revoked_at=now() where user_id=$1 and not revoked`, userID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *PGRefreshTokenStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `delete from refresh_tokens where id=$1`, id)
	return err
}

func (s *PGRefreshTokenStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `delete from refresh_tokens where expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation matches the Postgres unique_violation SQLSTATE without
// depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "23505")
}
