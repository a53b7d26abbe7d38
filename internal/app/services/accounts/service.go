// Package accounts implements registration, authentication, password
// recovery and role management.
package accounts

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/campuslib/library_service/internal/app/domain/user"
	"github.com/campuslib/library_service/internal/app/storage"
	svcerrors "github.com/campuslib/library_service/internal/errors"
	"github.com/campuslib/library_service/internal/logging"
)

// DefaultResetTTL is the validity of a password reset link.
const DefaultResetTTL = 15 * time.Minute

const (
	msgMissingFields    = "Please enter all fields"
	msgInvalidEmail     = "Please provide a valid email address"
	msgPasswordLength   = "Password must be between 8 and 16 characters"
	msgInvalidLogin     = "Invalid email or password"
	msgUnverifiedLogin  = "Please verify your account before logging in"
	msgUserExists       = "User with this email already exists"
	msgEmailRegistered  = "Email is already registered"
	msgPendingNotFound  = "User not found or account is already verified"
	msgSendVerification = "Failed to send verification email. Please try again."
	msgSendReset        = "Email could not be sent. Please try again."
	msgInvalidReset     = "Reset Password Token is invalid or has expired"
	msgUserNotFound     = "User not found"
)

// Verifier issues and checks verification codes.
type Verifier interface {
	Issue(ctx context.Context, email string) error
	Check(ctx context.Context, email, code string) error
	Discard(ctx context.Context, email string) error
	TTL() time.Duration
}

// ResetSender delivers password reset links.
type ResetSender interface {
	SendPasswordReset(ctx context.Context, to, url string, ttl time.Duration) error
}

// Service manages user accounts.
type Service struct {
	users       storage.UserStore
	verifier    Verifier
	mailer      ResetSender
	frontendURL string
	resetTTL    time.Duration
	bcryptCost  int
	now         func() time.Time
	log         *logging.Logger
}

// New constructs the accounts service.
func New(users storage.UserStore, verifier Verifier, mailer ResetSender, frontendURL string, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("accounts")
	}
	return &Service{
		users:       users,
		verifier:    verifier,
		mailer:      mailer,
		frontendURL: strings.TrimRight(frontendURL, "/"),
		resetTTL:    DefaultResetTTL,
		bcryptCost:  bcrypt.DefaultCost,
		now:         time.Now,
		log:         log,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// WithBcryptCost sets the hashing cost.
func (s *Service) WithBcryptCost(cost int) *Service {
	if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
		s.bcryptCost = cost
	}
	return s
}

// WithResetTTL sets the validity of reset links.
func (s *Service) WithResetTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.resetTTL = ttl
	}
	return s
}

func (s *Service) hash(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return "", svcerrors.Internal("", fmt.Errorf("hash password: %w", err))
	}
	return string(h), nil
}

func checkPassword(password string) error {
	if err := user.ValidatePassword(password); err != nil {
		return svcerrors.Validation(msgPasswordLength)
	}
	return nil
}

func checkEmail(email string) error {
	if err := user.ValidateEmail(email); err != nil {
		return svcerrors.Validation(msgInvalidEmail)
	}
	return nil
}

func (s *Service) internal(ctx context.Context, op string, err error) error {
	s.log.WithContext(ctx).WithError(err).WithField("op", op).Error("account store failure")
	return svcerrors.Internal("", err)
}

// Register creates an unverified account and sends its verification code.
// An earlier unverified registration for the same email is replaced.
func (s *Service) Register(ctx context.Context, name, email, password string) (user.User, error) {
	name = strings.TrimSpace(name)
	email = user.NormalizeEmail(email)
	if name == "" || email == "" || password == "" {
		return user.User{}, svcerrors.Validation(msgMissingFields)
	}
	if err := checkEmail(email); err != nil {
		return user.User{}, err
	}
	if err := checkPassword(password); err != nil {
		return user.User{}, err
	}

	existing, err := s.users.GetUserByEmail(ctx, email)
	switch {
	case err == nil && existing.Verified:
		return user.User{}, svcerrors.Conflict(msgUserExists)
	case err == nil:
		if err := s.users.DeleteUnverifiedByEmail(ctx, email); err != nil {
			return user.User{}, s.internal(ctx, "register", err)
		}
	case !errors.Is(err, storage.ErrNotFound):
		return user.User{}, s.internal(ctx, "register", err)
	}

	hash, err := s.hash(password)
	if err != nil {
		return user.User{}, err
	}
	now := s.now()
	expires := now.Add(s.verifier.TTL())
	created, err := s.users.CreateUser(ctx, user.User{
		Name:                  name,
		Email:                 email,
		PasswordHash:          hash,
		Role:                  user.RoleUser,
		VerificationExpiresAt: &expires,
		CreatedAt:             now,
	})
	if errors.Is(err, storage.ErrDuplicate) {
		return user.User{}, svcerrors.Conflict(msgUserExists)
	}
	if err != nil {
		return user.User{}, s.internal(ctx, "register", err)
	}

	if err := s.verifier.Issue(ctx, email); err != nil {
		s.log.WithContext(ctx).WithError(err).WithField("user_id", created.ID).Warn("verification delivery failed; discarding registration")
		_ = s.verifier.Discard(ctx, email)
		if delErr := s.users.DeleteUser(ctx, created.ID); delErr != nil && !errors.Is(delErr, storage.ErrNotFound) {
			s.log.WithContext(ctx).WithError(delErr).WithField("user_id", created.ID).Error("failed to remove undeliverable registration")
		}
		return user.User{}, svcerrors.Internal(msgSendVerification, err)
	}

	s.log.WithContext(ctx).WithField("user_id", created.ID).Info("user registered")
	return created, nil
}

// VerifyOTP activates a pending account with its emailed code.
func (s *Service) VerifyOTP(ctx context.Context, email, code string) (user.User, error) {
	email = user.NormalizeEmail(email)
	code = strings.TrimSpace(code)
	if email == "" || code == "" {
		return user.User{}, svcerrors.Validation("Email and OTP are required")
	}

	u, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && u.Verified) {
		return user.User{}, svcerrors.NotFound(msgPendingNotFound)
	}
	if err != nil {
		return user.User{}, s.internal(ctx, "verify", err)
	}

	if err := s.verifier.Check(ctx, email, code); err != nil {
		return user.User{}, err
	}

	u, err = s.users.GetUser(ctx, u.ID)
	if err != nil {
		return user.User{}, s.internal(ctx, "verify", err)
	}
	u.Verified = true
	u.VerificationCode = nil
	u.VerificationExpiresAt = nil
	u, err = s.users.UpdateUser(ctx, u)
	if err != nil {
		return user.User{}, s.internal(ctx, "verify", err)
	}
	s.log.WithContext(ctx).WithField("user_id", u.ID).Info("account verified")
	return u, nil
}

// Authenticate checks credentials. The password length is checked before
// any lookup.
func (s *Service) Authenticate(ctx context.Context, email, password string) (user.User, error) {
	if err := checkPassword(password); err != nil {
		return user.User{}, err
	}
	email = user.NormalizeEmail(email)
	if email == "" {
		return user.User{}, svcerrors.Validation(msgMissingFields)
	}

	u, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		return user.User{}, svcerrors.Unauthorized(msgInvalidLogin)
	}
	if err != nil {
		return user.User{}, s.internal(ctx, "login", err)
	}
	if !u.Verified {
		return user.User{}, svcerrors.Unauthorized(msgUnverifiedLogin)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return user.User{}, svcerrors.Unauthorized(msgInvalidLogin)
	}
	return u, nil
}

// hashToken returns the stored form of a reset token.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newResetToken() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// RequestPasswordReset emails a reset link to a verified account. Only the
// token hash is stored.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = user.NormalizeEmail(email)
	if email == "" {
		return svcerrors.Validation(msgMissingFields)
	}
	if err := checkEmail(email); err != nil {
		return err
	}

	u, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		return svcerrors.NotFound("User not found with this email")
	}
	if err != nil {
		return s.internal(ctx, "forgot", err)
	}
	if !u.Verified {
		return svcerrors.Validation("Please verify your account first before resetting your password.")
	}

	token, err := newResetToken()
	if err != nil {
		return svcerrors.Internal("", err)
	}
	hashed := hashToken(token)
	expires := s.now().Add(s.resetTTL)
	u.ResetTokenHash = &hashed
	u.ResetExpiresAt = &expires
	if u, err = s.users.UpdateUser(ctx, u); err != nil {
		return s.internal(ctx, "forgot", err)
	}

	url := s.frontendURL + "/password/reset/" + token
	if err := s.mailer.SendPasswordReset(ctx, u.Email, url, s.resetTTL); err != nil {
		u.ResetTokenHash = nil
		u.ResetExpiresAt = nil
		if _, clearErr := s.users.UpdateUser(ctx, u); clearErr != nil {
			s.log.WithContext(ctx).WithError(clearErr).WithField("user_id", u.ID).Error("failed to clear undeliverable reset token")
		}
		return svcerrors.Internal(msgSendReset, err)
	}
	s.log.WithContext(ctx).WithField("user_id", u.ID).Info("password reset requested")
	return nil
}

func validateNewPassword(password, confirm string) error {
	if err := checkPassword(password); err != nil {
		return err
	}
	if err := checkPassword(confirm); err != nil {
		return err
	}
	if password != confirm {
		return svcerrors.Validation("Passwords do not match")
	}
	return nil
}

// ResetPassword replaces the password of the account owning token.
func (s *Service) ResetPassword(ctx context.Context, token, password, confirm string) (user.User, error) {
	if password == "" || confirm == "" {
		return user.User{}, svcerrors.Validation("Please enter and confirm your new password")
	}
	if err := validateNewPassword(password, confirm); err != nil {
		return user.User{}, err
	}
	if token == "" {
		return user.User{}, svcerrors.Validation(msgInvalidReset)
	}

	u, err := s.users.GetUserByResetToken(ctx, hashToken(token))
	if errors.Is(err, storage.ErrNotFound) {
		return user.User{}, svcerrors.Validation(msgInvalidReset)
	}
	if err != nil {
		return user.User{}, s.internal(ctx, "reset", err)
	}
	if u.ResetExpiresAt == nil || u.ResetExpiresAt.Before(s.now()) {
		return user.User{}, svcerrors.Validation(msgInvalidReset)
	}

	hash, err := s.hash(password)
	if err != nil {
		return user.User{}, err
	}
	u.PasswordHash = hash
	u.ResetTokenHash = nil
	u.ResetExpiresAt = nil
	if u, err = s.users.UpdateUser(ctx, u); err != nil {
		return user.User{}, s.internal(ctx, "reset", err)
	}
	s.log.WithContext(ctx).WithField("user_id", u.ID).Info("password reset")
	return u, nil
}

// UpdatePassword changes the password of a signed-in user who knows the old
// one.
func (s *Service) UpdatePassword(ctx context.Context, userID int64, oldPassword, newPassword, confirm string) (user.User, error) {
	if oldPassword == "" || newPassword == "" || confirm == "" {
		return user.User{}, svcerrors.Validation("Please provide all required fields")
	}
	if err := checkPassword(newPassword); err != nil {
		return user.User{}, err
	}
	if err := checkPassword(confirm); err != nil {
		return user.User{}, err
	}
	if newPassword != confirm {
		return user.User{}, svcerrors.Validation("New password and confirm password do not match")
	}

	u, err := s.Get(ctx, userID)
	if err != nil {
		return user.User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(oldPassword)) != nil {
		return user.User{}, svcerrors.Validation("Old password is incorrect")
	}

	hash, err := s.hash(newPassword)
	if err != nil {
		return user.User{}, err
	}
	u.PasswordHash = hash
	if u, err = s.users.UpdateUser(ctx, u); err != nil {
		return user.User{}, s.internal(ctx, "update_password", err)
	}
	s.log.WithContext(ctx).WithField("user_id", u.ID).Info("password updated")
	return u, nil
}

// Get loads a user by id.
func (s *Service) Get(ctx context.Context, id int64) (user.User, error) {
	u, err := s.users.GetUser(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return user.User{}, svcerrors.NotFound(msgUserNotFound)
	}
	if err != nil {
		return user.User{}, s.internal(ctx, "get", err)
	}
	return u, nil
}

// FindByEmail loads a user by email.
func (s *Service) FindByEmail(ctx context.Context, email string) (user.User, error) {
	u, err := s.users.GetUserByEmail(ctx, user.NormalizeEmail(email))
	if errors.Is(err, storage.ErrNotFound) {
		return user.User{}, svcerrors.NotFound("User with this email not found")
	}
	if err != nil {
		return user.User{}, s.internal(ctx, "find", err)
	}
	return u, nil
}

// ListUsers returns every user with loan and fine aggregates.
func (s *Service) ListUsers(ctx context.Context) ([]user.Summary, error) {
	out, err := s.users.ListUserSummaries(ctx)
	if err != nil {
		return nil, s.internal(ctx, "list", err)
	}
	return out, nil
}

// Promote grants the admin role. There is no reverse operation.
func (s *Service) Promote(ctx context.Context, id int64) (user.User, error) {
	u, err := s.Get(ctx, id)
	if err != nil {
		return user.User{}, err
	}
	if u.Role == user.RoleAdmin {
		return u, nil
	}
	u.Role = user.RoleAdmin
	if u, err = s.users.UpdateUser(ctx, u); err != nil {
		return user.User{}, s.internal(ctx, "promote", err)
	}
	s.log.WithContext(ctx).WithField("user_id", u.ID).Info("user promoted to admin")
	return u, nil
}

// AdminInput describes a new administrator.
type AdminInput struct {
	Name      string
	Email     string
	Password  string
	Phone     string
	AvatarURL string
}

// CreateAdmin registers an already verified administrator.
func (s *Service) CreateAdmin(ctx context.Context, in AdminInput) (user.User, error) {
	name := strings.TrimSpace(in.Name)
	email := user.NormalizeEmail(in.Email)
	if name == "" || email == "" || in.Password == "" {
		return user.User{}, svcerrors.Validation("Please provide name, email, and password")
	}
	if err := checkEmail(email); err != nil {
		return user.User{}, err
	}
	if err := checkPassword(in.Password); err != nil {
		return user.User{}, err
	}

	if _, err := s.users.GetUserByEmail(ctx, email); err == nil {
		return user.User{}, svcerrors.Conflict(msgEmailRegistered)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return user.User{}, s.internal(ctx, "create_admin", err)
	}

	hash, err := s.hash(in.Password)
	if err != nil {
		return user.User{}, err
	}
	admin := user.User{
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Role:         user.RoleAdmin,
		Verified:     true,
		CreatedAt:    s.now(),
	}
	if phone := strings.TrimSpace(in.Phone); phone != "" {
		admin.Phone = &phone
	}
	if avatar := strings.TrimSpace(in.AvatarURL); avatar != "" {
		admin.AvatarURL = &avatar
	}

	created, err := s.users.CreateUser(ctx, admin)
	if errors.Is(err, storage.ErrDuplicate) {
		return user.User{}, svcerrors.Conflict(msgEmailRegistered)
	}
	if err != nil {
		return user.User{}, s.internal(ctx, "create_admin", err)
	}
	s.log.WithContext(ctx).WithField("user_id", created.ID).Info("admin created")
	return created, nil
}
