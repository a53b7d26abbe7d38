package accounts

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/campuslib/library_service/internal/app/domain/user"
	"github.com/campuslib/library_service/internal/app/services/notify"
	"github.com/campuslib/library_service/internal/app/services/verification"
	"github.com/campuslib/library_service/internal/app/storage"
	"github.com/campuslib/library_service/internal/app/storage/memory"
	svcerrors "github.com/campuslib/library_service/internal/errors"
)

var (
	otpPattern   = regexp.MustCompile(`>([0-9]{6})</span>`)
	resetPattern = regexp.MustCompile(`/password/reset/([0-9a-f]{40})`)
)

type fixture struct {
	svc    *Service
	store  *memory.Store
	outbox *notify.Outbox
	now    time.Time
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.New(),
		outbox: &notify.Outbox{},
		now:    time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	mail := notify.New(f.outbox, nil)
	verifier := verification.New(f.store, mail, verification.DefaultTTL, nil).WithClock(clock)
	f.svc = New(f.store, verifier, mail, "http://localhost:5173/", nil).
		WithClock(clock).
		WithBcryptCost(bcrypt.MinCost)
	return f
}

func (f *fixture) code(t *testing.T, email string) string {
	t.Helper()
	msg, ok := f.outbox.Last(email)
	require.True(t, ok)
	m := otpPattern.FindStringSubmatch(msg.HTML)
	require.Len(t, m, 2)
	return m[1]
}

func (f *fixture) registerVerified(t *testing.T, name, email, password string) user.User {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.Register(ctx, name, email, password)
	require.NoError(t, err)
	u, err := f.svc.VerifyOTP(ctx, email, f.code(t, email))
	require.NoError(t, err)
	return u
}

func assertKind(t *testing.T, err error, kind svcerrors.Kind, msg string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, svcerrors.IsKind(err, kind), "kind of %v", err)
	if msg != "" {
		assert.Equal(t, msg, svcerrors.PublicMessage(err))
	}
}

func TestRegister_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Register(ctx, "", "a@b.com", "password1")
	assertKind(t, err, svcerrors.KindValidation, "Please enter all fields")

	_, err = f.svc.Register(ctx, "Ann", "not-an-email", "password1")
	assertKind(t, err, svcerrors.KindValidation, "Please provide a valid email address")

	_, err = f.svc.Register(ctx, "Ann", "a@b.com", "short")
	assertKind(t, err, svcerrors.KindValidation, "Password must be between 8 and 16 characters")

	_, err = f.svc.Register(ctx, "Ann", "a@b.com", "abcdefghijklmnopq")
	assertKind(t, err, svcerrors.KindValidation, "Password must be between 8 and 16 characters")
}

func TestRegisterVerifyLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.Register(ctx, "Ann", " Ann@Example.com ", "password1")
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", created.Email)
	assert.Equal(t, user.RoleUser, created.Role)
	assert.False(t, created.Verified)
	assert.NotEqual(t, "password1", created.PasswordHash)

	_, err = f.svc.Authenticate(ctx, "ann@example.com", "password1")
	assertKind(t, err, svcerrors.KindUnauthenticated, "Please verify your account before logging in")

	_, err = f.svc.VerifyOTP(ctx, "ann@example.com", "000000x")
	assertKind(t, err, svcerrors.KindValidation, "Invalid OTP")

	verified, err := f.svc.VerifyOTP(ctx, "ann@example.com", f.code(t, "ann@example.com"))
	require.NoError(t, err)
	assert.True(t, verified.Verified)
	assert.Nil(t, verified.VerificationCode)
	assert.Nil(t, verified.VerificationExpiresAt)

	_, err = f.svc.VerifyOTP(ctx, "ann@example.com", "123456")
	assertKind(t, err, svcerrors.KindNotFound, "User not found or account is already verified")

	u, err := f.svc.Authenticate(ctx, "ANN@example.com", "password1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, u.ID)

	_, err = f.svc.Authenticate(ctx, "ann@example.com", "password2")
	assertKind(t, err, svcerrors.KindUnauthenticated, "Invalid email or password")

	_, err = f.svc.Authenticate(ctx, "nobody@example.com", "password1")
	assertKind(t, err, svcerrors.KindUnauthenticated, "Invalid email or password")

	_, err = f.svc.Authenticate(ctx, "nobody@example.com", "short")
	assertKind(t, err, svcerrors.KindValidation, "Password must be between 8 and 16 characters")
}

func TestRegister_ExistingVerifiedEmail(t *testing.T) {
	f := newFixture(t)
	f.registerVerified(t, "Ann", "ann@example.com", "password1")

	_, err := f.svc.Register(context.Background(), "Other", "ann@example.com", "password2")
	assertKind(t, err, svcerrors.KindConflict, "User with this email already exists")
}

func TestRegister_ReplacesPendingRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Register(ctx, "Ann", "ann@example.com", "password1")
	require.NoError(t, err)
	firstCode := f.code(t, "ann@example.com")

	second, err := f.svc.Register(ctx, "Ann B", "ann@example.com", "password2")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	_, err = f.store.GetUser(ctx, first.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	secondCode := f.code(t, "ann@example.com")
	if secondCode != firstCode {
		_, err = f.svc.VerifyOTP(ctx, "ann@example.com", firstCode)
		assertKind(t, err, svcerrors.KindValidation, "Invalid OTP")
	}
	u, err := f.svc.VerifyOTP(ctx, "ann@example.com", secondCode)
	require.NoError(t, err)
	assert.Equal(t, "Ann B", u.Name)
}

func TestRegister_DeliveryFailureRemovesUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.outbox.FailWith(errors.New("smtp down"))

	_, err := f.svc.Register(ctx, "Ann", "ann@example.com", "password1")
	assertKind(t, err, svcerrors.KindInternal, "Failed to send verification email. Please try again.")

	_, err = f.store.GetUserByEmail(ctx, "ann@example.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestVerifyOTP_Expired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Register(ctx, "Ann", "ann@example.com", "password1")
	require.NoError(t, err)
	code := f.code(t, "ann@example.com")

	f.advance(verification.DefaultTTL + time.Second)
	_, err = f.svc.VerifyOTP(ctx, "ann@example.com", code)
	assertKind(t, err, svcerrors.KindValidation, verification.MsgExpiredCode)

	_, err = f.svc.VerifyOTP(ctx, "", code)
	assertKind(t, err, svcerrors.KindValidation, "Email and OTP are required")
}

func TestPasswordReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.registerVerified(t, "Ann", "ann@example.com", "password1")

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "ann@example.com"))
	msg, ok := f.outbox.Last("ann@example.com")
	require.True(t, ok)
	assert.Equal(t, "Library Password Recovery", msg.Subject)
	assert.Contains(t, msg.HTML, "http://localhost:5173/password/reset/")
	m := resetPattern.FindStringSubmatch(msg.HTML)
	require.Len(t, m, 2)
	token := m[1]

	stored, err := f.store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ResetTokenHash)
	assert.NotEqual(t, token, *stored.ResetTokenHash)
	assert.Equal(t, hashToken(token), *stored.ResetTokenHash)

	_, err = f.svc.ResetPassword(ctx, token, "newpass12", "newpass13")
	assertKind(t, err, svcerrors.KindValidation, "Passwords do not match")

	_, err = f.svc.ResetPassword(ctx, "deadbeef", "newpass12", "newpass12")
	assertKind(t, err, svcerrors.KindValidation, "Reset Password Token is invalid or has expired")

	reset, err := f.svc.ResetPassword(ctx, token, "newpass12", "newpass12")
	require.NoError(t, err)
	assert.Nil(t, reset.ResetTokenHash)

	_, err = f.svc.ResetPassword(ctx, token, "newpass12", "newpass12")
	assertKind(t, err, svcerrors.KindValidation, "Reset Password Token is invalid or has expired")

	_, err = f.svc.Authenticate(ctx, "ann@example.com", "newpass12")
	require.NoError(t, err)
}

func TestPasswordReset_Expired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.registerVerified(t, "Ann", "ann@example.com", "password1")

	require.NoError(t, f.svc.RequestPasswordReset(ctx, "ann@example.com"))
	msg, _ := f.outbox.Last("ann@example.com")
	token := resetPattern.FindStringSubmatch(msg.HTML)[1]

	f.advance(DefaultResetTTL + time.Minute)
	_, err := f.svc.ResetPassword(ctx, token, "newpass12", "newpass12")
	assertKind(t, err, svcerrors.KindValidation, "Reset Password Token is invalid or has expired")
}

func TestRequestPasswordReset_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.RequestPasswordReset(ctx, "ghost@example.com")
	assertKind(t, err, svcerrors.KindNotFound, "User not found with this email")

	_, err = f.svc.Register(ctx, "Ann", "ann@example.com", "password1")
	require.NoError(t, err)
	err = f.svc.RequestPasswordReset(ctx, "ann@example.com")
	assertKind(t, err, svcerrors.KindValidation, "Please verify your account first before resetting your password.")
}

func TestRequestPasswordReset_DeliveryFailureClearsToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.registerVerified(t, "Ann", "ann@example.com", "password1")

	f.outbox.FailWith(errors.New("smtp down"))
	err := f.svc.RequestPasswordReset(ctx, "ann@example.com")
	assertKind(t, err, svcerrors.KindInternal, "Email could not be sent. Please try again.")

	stored, err := f.store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.ResetTokenHash)
	assert.Nil(t, stored.ResetExpiresAt)
}

func TestUpdatePassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.registerVerified(t, "Ann", "ann@example.com", "password1")

	_, err := f.svc.UpdatePassword(ctx, u.ID, "", "newpass12", "newpass12")
	assertKind(t, err, svcerrors.KindValidation, "Please provide all required fields")

	_, err = f.svc.UpdatePassword(ctx, u.ID, "password1", "newpass12", "newpass13")
	assertKind(t, err, svcerrors.KindValidation, "New password and confirm password do not match")

	_, err = f.svc.UpdatePassword(ctx, u.ID, "wrongpass", "newpass12", "newpass12")
	assertKind(t, err, svcerrors.KindValidation, "Old password is incorrect")

	_, err = f.svc.UpdatePassword(ctx, u.ID, "password1", "newpass12", "newpass12")
	require.NoError(t, err)

	_, err = f.svc.Authenticate(ctx, "ann@example.com", "password1")
	assertKind(t, err, svcerrors.KindUnauthenticated, "Invalid email or password")
	_, err = f.svc.Authenticate(ctx, "ann@example.com", "newpass12")
	require.NoError(t, err)
}

func TestPromoteAndCreateAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.registerVerified(t, "Ann", "ann@example.com", "password1")

	promoted, err := f.svc.Promote(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, user.RoleAdmin, promoted.Role)

	again, err := f.svc.Promote(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, user.RoleAdmin, again.Role)

	_, err = f.svc.Promote(ctx, 9999)
	assertKind(t, err, svcerrors.KindNotFound, "User not found")

	_, err = f.svc.CreateAdmin(ctx, AdminInput{Name: "Bob", Email: "bob@example.com"})
	assertKind(t, err, svcerrors.KindValidation, "Please provide name, email, and password")

	_, err = f.svc.CreateAdmin(ctx, AdminInput{Name: "Bob", Email: "ann@example.com", Password: "password1"})
	assertKind(t, err, svcerrors.KindConflict, "Email is already registered")

	admin, err := f.svc.CreateAdmin(ctx, AdminInput{Name: "Bob", Email: "bob@example.com", Password: "password1", Phone: "555-0100"})
	require.NoError(t, err)
	assert.Equal(t, user.RoleAdmin, admin.Role)
	assert.True(t, admin.Verified)
	require.NotNil(t, admin.Phone)
	assert.Equal(t, "555-0100", *admin.Phone)
	assert.Nil(t, admin.AvatarURL)

	_, err = f.svc.Authenticate(ctx, "bob@example.com", "password1")
	require.NoError(t, err)

	users, err := f.svc.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func TestFindByEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.registerVerified(t, "Ann", "ann@example.com", "password1")

	got, err := f.svc.FindByEmail(ctx, "ANN@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = f.svc.FindByEmail(ctx, "ghost@example.com")
	assertKind(t, err, svcerrors.KindNotFound, "User with this email not found")
}
