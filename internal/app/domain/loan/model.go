package loan

import "time"

// DefaultPeriod is the time a borrower keeps a book before it is due.
const DefaultPeriod = 14 * 24 * time.Hour

// DefaultFineRate is charged per calendar day late.
const DefaultFineRate = 5.0

// FineStatus tracks whether a fine has been settled.
type FineStatus string

const (
	FineUnpaid FineStatus = "Unpaid"
	FinePaid   FineStatus = "Paid"
)

// Notice is the kind of due-date email last sent for a loan.
type Notice string

const (
	NoticeNone     Notice = ""
	NoticeReminder Notice = "reminder"
	NoticeOverdue  Notice = "overdue"
)

// Record is one borrow event. ReturnedAt is nil while the book is out.
type Record struct {
	ID         int64      `db:"id" json:"id"`
	UserID     int64      `db:"user_id" json:"user_id"`
	BookID     int64      `db:"book_id" json:"book_id"`
	BorrowedAt time.Time  `db:"borrow_date" json:"borrow_date"`
	DueAt      time.Time  `db:"due_date" json:"due_date"`
	ReturnedAt *time.Time `db:"return_date" json:"return_date"`
	Fine       float64    `db:"fine" json:"fine"`
	FineStatus FineStatus `db:"fine_status" json:"fine_status"`
	LastNotice Notice     `db:"last_notice" json:"-"`
	NotifiedAt *time.Time `db:"notified_at" json:"-"`
}

// Active reports whether the book has not been returned yet.
func (r Record) Active() bool { return r.ReturnedAt == nil }

// View is a record joined with display fields of its book and user.
type View struct {
	Record
	BookTitle       string `db:"book_title" json:"title"`
	BookAuthor      string `db:"book_author" json:"author"`
	BookDescription string `db:"book_description" json:"description"`
	UserName        string `db:"user_name" json:"user_name"`
	UserEmail       string `db:"user_email" json:"user_email"`
}

// LateFee computes the fine for a book due at due and returned at now.
// Both instants are reduced to their calendar day; the fee is the number of
// days now is past due times rate.
func LateFee(due, now time.Time, rate float64) float64 {
	days := daysBetween(due.In(now.Location()), now)
	if days <= 0 {
		return 0
	}
	return float64(days) * rate
}

// daysBetween counts calendar day boundaries from a to b. Dates are rebuilt
// in UTC so a 23h or 25h DST day still counts once.
func daysBetween(a, b time.Time) int {
	return int(civilDate(b).Sub(civilDate(a)).Hours() / 24)
}

func civilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NoticeFor returns the notice a loan due at due should receive at now, or
// NoticeNone when it is neither due tomorrow nor overdue.
func NoticeFor(due, now time.Time) Notice {
	today := midnight(now)
	dueDay := midnight(due.In(now.Location()))
	switch {
	case dueDay.Before(today):
		return NoticeOverdue
	case dueDay.Equal(today.AddDate(0, 0, 1)):
		return NoticeReminder
	}
	return NoticeNone
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
