// Package verification issues and checks the one-time codes that activate
// new accounts.
package verification

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/campuslib/library_service/internal/app/storage"
	svcerrors "github.com/campuslib/library_service/internal/errors"
	"github.com/campuslib/library_service/internal/logging"
)

// DefaultTTL is the validity window of an issued code.
const DefaultTTL = 15 * time.Minute

const codeDigits = 6

// Public messages of check failures.
const (
	MsgInvalidCode = "Invalid OTP"
	MsgExpiredCode = "OTP has expired. Please register again to get a new code."
)

// Sender delivers an issued code to its owner.
type Sender interface {
	SendVerificationCode(ctx context.Context, to, code string, ttl time.Duration) error
}

// Service manages verification codes.
type Service struct {
	codes  storage.CodeStore
	sender Sender
	ttl    time.Duration
	now    func() time.Time
	log    *logging.Logger
}

// New constructs a verification service.
func New(codes storage.CodeStore, sender Sender, ttl time.Duration, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("verification")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{codes: codes, sender: sender, ttl: ttl, now: time.Now, log: log}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// TTL reports the validity window.
func (s *Service) TTL() time.Duration { return s.ttl }

// GenerateCode returns a uniformly random decimal code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

// Issue generates a code for email, stores it and sends it. When delivery
// fails the stored code is removed again.
func (s *Service) Issue(ctx context.Context, email string) error {
	code, err := GenerateCode()
	if err != nil {
		return err
	}
	expiresAt := s.now().Add(s.ttl)
	if err := s.codes.PutCode(ctx, email, code, expiresAt); err != nil {
		return fmt.Errorf("store code: %w", err)
	}
	if s.sender == nil {
		return nil
	}
	if err := s.sender.SendVerificationCode(ctx, email, code, s.ttl); err != nil {
		if delErr := s.codes.DeleteCode(ctx, email); delErr != nil {
			s.log.WithContext(ctx).WithError(delErr).Warn("failed to discard undeliverable verification code")
		}
		return fmt.Errorf("deliver code: %w", err)
	}
	s.log.WithContext(ctx).WithField("expires_at", expiresAt).Info("verification code issued")
	return nil
}

// Check consumes the code for email. A wrong, missing or expired code is a
// validation error; a correct one is consumed atomically, so of concurrent
// checks with the same code only one succeeds.
func (s *Service) Check(ctx context.Context, email, code string) error {
	stored, expiresAt, err := s.codes.GetCode(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		return svcerrors.Validation(MsgInvalidCode)
	}
	if err != nil {
		return svcerrors.Internal("", err)
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(code)) != 1 {
		return svcerrors.Validation(MsgInvalidCode)
	}
	if expiresAt.Before(s.now()) {
		return svcerrors.Validation(MsgExpiredCode)
	}
	consumed, err := s.codes.ConsumeCode(ctx, email, stored)
	if err != nil {
		return svcerrors.Internal("", err)
	}
	if !consumed {
		return svcerrors.Validation(MsgInvalidCode)
	}
	return nil
}

// Discard removes any pending code for email.
func (s *Service) Discard(ctx context.Context, email string) error {
	return s.codes.DeleteCode(ctx, email)
}
