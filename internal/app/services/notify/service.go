// Package notify renders and sends the library's outgoing emails.
package notify

import (
	"context"
	"time"

	"github.com/campuslib/library_service/internal/app/domain/loan"
	"github.com/campuslib/library_service/internal/app/metrics"
	"github.com/campuslib/library_service/internal/logging"
)

// Email kinds, used as metric labels.
const (
	KindVerification = "verification"
	KindReset        = "password_reset"
	KindReminder     = "due_reminder"
	KindOverdue      = "overdue"
)

// DateLayout formats due dates in messages.
const DateLayout = "Mon Jan 2 2006"

// Service sends templated emails through a Mailer.
type Service struct {
	mailer Mailer
	log    *logging.Logger
}

// New constructs the notifier.
func New(mailer Mailer, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("notify")
	}
	if mailer == nil {
		mailer = NewLogMailer(log)
	}
	return &Service{mailer: mailer, log: log}
}

func (s *Service) deliver(ctx context.Context, kind string, msg Message) error {
	err := s.mailer.Send(ctx, msg)
	metrics.RecordEmail(kind, err)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).WithField("kind", kind).Warn("email delivery failed")
	}
	return err
}

// SendVerificationCode emails a one-time code valid for ttl.
func (s *Service) SendVerificationCode(ctx context.Context, to, code string, ttl time.Duration) error {
	html, err := render(otpTemplate, struct {
		Code    string
		Minutes int
	}{code, minutes(ttl)})
	if err != nil {
		return err
	}
	return s.deliver(ctx, KindVerification, Message{To: to, Subject: "Verify Your Library Account", HTML: html})
}

// SendPasswordReset emails the reset link.
func (s *Service) SendPasswordReset(ctx context.Context, to, url string, ttl time.Duration) error {
	html, err := render(resetTemplate, struct {
		URL     string
		Minutes int
	}{url, minutes(ttl)})
	if err != nil {
		return err
	}
	return s.deliver(ctx, KindReset, Message{To: to, Subject: "Library Password Recovery", HTML: html})
}

// SendDueNotice emails a reminder or overdue notice for a loan.
func (s *Service) SendDueNotice(ctx context.Context, to, name, title string, due time.Time, notice loan.Notice) error {
	overdue := notice == loan.NoticeOverdue
	html, err := render(dueTemplate, struct {
		Name    string
		Title   string
		Due     string
		Overdue bool
	}{name, title, due.Format(DateLayout), overdue})
	if err != nil {
		return err
	}
	kind, subject := KindReminder, "Library Book Due Tomorrow"
	if overdue {
		kind, subject = KindOverdue, "Library Book Overdue"
	}
	return s.deliver(ctx, kind, Message{To: to, Subject: subject, HTML: html})
}
