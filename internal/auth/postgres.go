package auth

import (
	"context"
	"database/sql"
	"errors"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users() UserStore                 { return &userStore{db: s.db} }
func (s *PGStore) Roles() RoleStore                 { return &roleStore{db: s.db} }
func (s *PGStore) Permissions() PermissionStore     { return &permissionStore{db: s.db} }
func (s *PGStore) RefreshTokens() RefreshTokenStore { return &refreshTokenStore{db: s.db} }

// User store ---------------------------------------------------------------

type userStore struct{ db *sql.DB }

const userColumns = `id, email, password_hash, name, phone, role_id, active, created_at, updated_at, last_login_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var (
		u         User
		lastLogin sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.Phone, &u.RoleID, &u.Active, &u.CreatedAt, &u.UpdatedAt, &lastLogin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return &u, nil
}

func (s *userStore) Create(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, email, password_hash, name, phone, role_id, active)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		u.ID, u.Email, u.PasswordHash, u.Name, u.Phone, u.RoleID, u.Active,
	)
	return err
}

func (s *userStore) Find(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id))
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where email=$1`, email))
}

func (s *userStore) Update(ctx context.Context, u *User) error {
	res, err := s.db.ExecContext(ctx,
		`update users set name=$2, phone=$3, password_hash=$4, updated_at=now() where id=$1`,
		u.ID, u.Name, u.Phone, u.PasswordHash,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *userStore) SetLastLogin(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`update users set last_login_at=now() where id=$1`, userID)
	return err
}

func (s *userStore) Deactivate(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set active=false, updated_at=now() where id=$1`, userID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Role store ---------------------------------------------------------------

type roleStore struct{ db *sql.DB }

func (s *roleStore) Ensure(ctx context.Context, role *Role) error {
	_, err := s.db.ExecContext(ctx,
		`insert into roles(id, name, description) values($1,$2,$3) on conflict (name) do nothing`,
		role.ID, role.Name, role.Description,
	)
	return err
}

func (s *roleStore) Find(ctx context.Context, id string) (*Role, error) {
	return scanRole(s.db.QueryRowContext(ctx,
		`select id, name, description, created_at from roles where id=$1`, id))
}

func (s *roleStore) FindByName(ctx context.Context, name string) (*Role, error) {
	return scanRole(s.db.QueryRowContext(ctx,
		`select id, name, description, created_at from roles where name=$1`, name))
}

func scanRole(row interface{ Scan(...any) error }) (*Role, error) {
	var role Role
	if err := row.Scan(&role.ID, &role.Name, &role.Description, &role.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &role, nil
}

// Permission store ---------------------------------------------------------

type permissionStore struct{ db *sql.DB }

func (s *permissionStore) Ensure(ctx context.Context, perms []Permission) error {
	for _, p := range perms {
		_, err := s.db.ExecContext(ctx,
			`insert into permissions(id, code, description)
			 select gen_random_uuid()::text, $1, $2
			 on conflict (code) do nothing`,
			p.Code, p.Description,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *permissionStore) SetForRole(ctx context.Context, roleID string, codes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id=$1`, roleID); err != nil {
		return err
	}
	for _, code := range codes {
		_, err := tx.ExecContext(ctx,
			`insert into role_permissions(role_id, permission_id)
			 select $1, id from permissions where code=$2`, roleID, code,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *permissionStore) CodesForRole(ctx context.Context, roleID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`select p.code from permissions p
		 join role_permissions rp on rp.permission_id=p.id
		 where rp.role_id=$1 order by p.code`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		codes = append(codes, code)
	}
	return codes, rows.Err()
}

// Refresh token store ------------------------------------------------------

type refreshTokenStore struct{ db *sql.DB }

func (s *refreshTokenStore) Create(ctx context.Context, tok *RefreshToken) error {
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, user_id, token_hash, issued_at, expires_at, revoked)
		 values($1,$2,$3,$4,$5,false)`,
		tok.ID, tok.UserID, tok.TokenHash, tok.IssuedAt, tok.ExpiresAt,
	)
	return err
}

func (s *refreshTokenStore) Find(ctx context.Context, id string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, user_id, token_hash, issued_at, expires_at, revoked, replaced_by
		 from refresh_tokens where id=$1`, id)
	var (
		tok        RefreshToken
		replacedBy sql.NullString
	)
	if err := row.Scan(&tok.ID, &tok.UserID, &tok.TokenHash, &tok.IssuedAt, &tok.ExpiresAt, &tok.Revoked, &replacedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if replacedBy.Valid {
		v := replacedBy.String
		tok.ReplacedBy = &v
	}
	return &tok, nil
}

func (s *refreshTokenStore) Rotate(ctx context.Context, id string, next *RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`update refresh_tokens set replaced_by=$2
		 where id=$1 and replaced_by is null and not revoked`,
		id, next.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	if _, err := tx.ExecContext(ctx,
		`insert into refresh_tokens(id, user_id, token_hash, issued_at, expires_at, revoked)
		 values($1,$2,$3,$4,$5,false)`,
		next.ID, next.UserID, next.TokenHash, next.IssuedAt, next.ExpiresAt,
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *refreshTokenStore) MarkRevoked(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true where id=$1`, id)
	return err
}

func (s *refreshTokenStore) RevokeChain(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		with recursive chain as (
			select id, replaced_by from refresh_tokens where id=$1
			union all
			select rt.id, rt.replaced_by
			from refresh_tokens rt
			join chain c on rt.id = c.replaced_by
		)
		update refresh_tokens set revoked=true where id in (select id from chain)`,
		id,
	)
	return err
}

func (s *refreshTokenStore) RevokeAllForUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked=true where user_id=$1 and not revoked`, userID)
	return err
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
