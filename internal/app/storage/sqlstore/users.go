package sqlstore

import (
	"context"
	"time"

	"github.com/campuslib/library_service/internal/app/domain/user"
	"github.com/campuslib/library_service/internal/app/storage"
)

const userColumns = `id, name, email, password_hash, role, account_verified,
	verification_code, verification_code_expire, reset_password_token,
	reset_password_expire, phone, avatar_url, created_at`

func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	if u.Role == "" {
		u.Role = user.RoleUser
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	u.CreatedAt = utc(u.CreatedAt)

	err := s.db.QueryRowxContext(ctx, s.rebind(`
		INSERT INTO users (name, email, password_hash, role, account_verified,
			verification_code, verification_code_expire, phone, avatar_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), u.Name, u.Email, u.PasswordHash, string(u.Role), u.Verified,
		u.VerificationCode, utcPtr(u.VerificationExpiresAt), u.Phone, u.AvatarURL, u.CreatedAt).Scan(&u.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return user.User{}, storage.ErrDuplicate
		}
		return user.User{}, err
	}
	return u, nil
}

func (s *Store) UpdateUser(ctx context.Context, u user.User) (user.User, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE users
		SET name = ?, email = ?, password_hash = ?, role = ?, account_verified = ?,
			verification_code = ?, verification_code_expire = ?,
			reset_password_token = ?, reset_password_expire = ?,
			phone = ?, avatar_url = ?
		WHERE id = ?
	`), u.Name, u.Email, u.PasswordHash, string(u.Role), u.Verified,
		u.VerificationCode, utcPtr(u.VerificationExpiresAt),
		u.ResetTokenHash, utcPtr(u.ResetExpiresAt),
		u.Phone, u.AvatarURL, u.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return user.User{}, storage.ErrDuplicate
		}
		return user.User{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return user.User{}, storage.ErrNotFound
	}
	return s.GetUser(ctx, u.ID)
}

func (s *Store) getUserWhere(ctx context.Context, where string, arg interface{}) (user.User, error) {
	var u user.User
	err := s.db.GetContext(ctx, &u, s.rebind(`SELECT `+userColumns+` FROM users WHERE `+where), arg)
	if err != nil {
		return user.User{}, notFound(err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id int64) (user.User, error) {
	return s.getUserWhere(ctx, "id = ?", id)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	return s.getUserWhere(ctx, "email = ?", email)
}

func (s *Store) GetUserByResetToken(ctx context.Context, tokenHash string) (user.User, error) {
	return s.getUserWhere(ctx, "reset_password_token = ?", tokenHash)
}

func (s *Store) DeleteUser(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM users WHERE id = ?`), id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// noOpenLoans restricts unverified-account cleanup to users without a
// borrowed copy; the loan cascade would otherwise drop it from inventory.
const noOpenLoans = `NOT EXISTS (
	SELECT 1 FROM borrow_records br
	WHERE br.user_id = users.id AND br.return_date IS NULL
)`

func (s *Store) DeleteUnverifiedByEmail(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM users
		WHERE email = ? AND account_verified = ? AND `+noOpenLoans), email, false)
	return err
}

func (s *Store) DeleteExpiredUnverified(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM users
		WHERE account_verified = ? AND verification_code_expire < ? AND `+noOpenLoans), false, utc(now))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *Store) ListUserSummaries(ctx context.Context) ([]user.Summary, error) {
	var out []user.Summary
	err := s.db.SelectContext(ctx, &out, s.rebind(`
		SELECT u.id, u.name, u.email, u.password_hash, u.role, u.account_verified,
			u.verification_code, u.verification_code_expire, u.reset_password_token,
			u.reset_password_expire, u.phone, u.avatar_url, u.created_at,
			COALESCE(SUM(CASE WHEN br.id IS NOT NULL AND br.return_date IS NULL THEN 1 ELSE 0 END), 0) AS active_loans,
			COUNT(br.id) AS total_loans,
			COALESCE(SUM(CASE WHEN br.fine > 0 AND br.fine_status = ? THEN br.fine ELSE 0 END), 0) AS unpaid_fines
		FROM users u
		LEFT JOIN borrow_records br ON br.user_id = u.id
		GROUP BY u.id, u.name, u.email, u.password_hash, u.role, u.account_verified,
			u.verification_code, u.verification_code_expire, u.reset_password_token,
			u.reset_password_expire, u.phone, u.avatar_url, u.created_at
		ORDER BY u.created_at DESC, u.id DESC
	`), "Unpaid")
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []user.Summary{}
	}
	return out, nil
}

// Verification codes stored on the user row ---------------------------------

func (s *Store) PutCode(ctx context.Context, email, code string, expiresAt time.Time) error {
	result, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE users SET verification_code = ?, verification_code_expire = ?
		WHERE email = ?
	`), code, utc(expiresAt), email)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) GetCode(ctx context.Context, email string) (string, time.Time, error) {
	var row struct {
		Code   *string    `db:"verification_code"`
		Expire *time.Time `db:"verification_code_expire"`
	}
	err := s.db.GetContext(ctx, &row, s.rebind(`
		SELECT verification_code, verification_code_expire FROM users WHERE email = ?
	`), email)
	if err != nil {
		return "", time.Time{}, notFound(err)
	}
	if row.Code == nil || row.Expire == nil {
		return "", time.Time{}, storage.ErrNotFound
	}
	return *row.Code, *row.Expire, nil
}

func (s *Store) DeleteCode(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE users
		SET verification_code = NULL,
			verification_code_expire = CASE WHEN account_verified THEN NULL ELSE verification_code_expire END
		WHERE email = ?
	`), email)
	return err
}

func (s *Store) ConsumeCode(ctx context.Context, email, code string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE users
		SET verification_code = NULL,
			verification_code_expire = CASE WHEN account_verified THEN NULL ELSE verification_code_expire END
		WHERE email = ? AND verification_code = ?
	`), email, code)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}
