package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	MinRating = 1
	MaxRating = 5

	MaxNameLength = 100
	MaxNoteLength = 200
)

type (
	// Month identifies a calendar month. Budgets are keyed by it.
	Month struct {
		Year  int
		Month int // 1-12
	}

	Money struct {
		Cents int64
	}

	Category struct {
		ID        string
		UserID    string
		Name      string
		Priority  float64
		Urgency   float64
		Frequency float64
		Impact    float64

		// Allocation is written only by the recalculation path.
		Allocation Money
		// Spent is derived from expenses and never persisted.
		Spent Money

		Active    bool
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// CategoryInput is what a user action supplies when saving a category.
	CategoryInput struct {
		Name      string
		Priority  int
		Urgency   int
		Frequency int
		Impact    int
	}

	Budget struct {
		UserID    string
		Month     Month
		Amount    Money
		UpdatedAt time.Time
	}

	Expense struct {
		ID           int64
		UserID       string
		CategoryName string
		Amount       Money
		Note         string
		CreatedAt    time.Time
	}

	// Snapshot is the exported view of a user's allocation state for a month.
	Snapshot struct {
		UserID     string
		Month      Month
		Budget     Money
		Categories []Category
		TakenAt    time.Time
	}
)

var (
	ErrEmptyUser         = errors.New("empty user id")
	ErrEmptyName         = errors.New("empty category name")
	ErrNameTooLong       = fmt.Errorf("category name too long (max %d characters)", MaxNameLength)
	ErrInvalidRating     = fmt.Errorf("rating must be an integer between %d and %d", MinRating, MaxRating)
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrNoteTooLong       = fmt.Errorf("note too long (max %d characters)", MaxNoteLength)
	ErrDuplicateCategory = errors.New("category already exists")
	ErrCategoryNotFound  = errors.New("category not found")
	ErrBudgetNotFound    = errors.New("budget not set for month")
	// ErrStaleAllocation means the budget or categories changed after the
	// allocation pass read them. Nothing was written.
	ErrStaleAllocation = errors.New("allocation inputs changed since read")
)

// IsValidation reports whether err is caused by rejected user input.
func IsValidation(err error) bool {
	for _, target := range []error{
		ErrEmptyUser, ErrEmptyName, ErrNameTooLong, ErrInvalidRating,
		ErrInvalidAmount, ErrNoteTooLong, ErrDuplicateCategory,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsNotFound reports whether err refers to a missing budget or category.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCategoryNotFound) || errors.Is(err, ErrBudgetNotFound)
}

// MonthOf returns the calendar month containing t.
func MonthOf(t time.Time) Month {
	return Month{Year: t.Year(), Month: int(t.Month())}
}

// String formats the month as YYYY-MM, which is also its storage key.
func (m Month) String() string {
	return fmt.Sprintf("%04d-%02d", m.Year, m.Month)
}

// ParseMonth parses a YYYY-MM key.
func ParseMonth(s string) (Month, error) {
	t, err := time.Parse("2006-01", strings.TrimSpace(s))
	if err != nil {
		return Month{}, fmt.Errorf("parse month %q: %w", s, err)
	}
	return MonthOf(t), nil
}

func (m Month) Validate() error {
	if m.Month < 1 || m.Month > 12 {
		return errors.New("invalid month")
	}
	if m.Year < 1 {
		return errors.New("invalid year")
	}
	return nil
}

// Validate accepts zero: an empty budget or a free expense is legal.
func (m Money) Validate() error {
	if m.Cents < 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (m Money) Add(o Money) Money { return Money{Cents: m.Cents + o.Cents} }
func (m Money) Sub(o Money) Money { return Money{Cents: m.Cents - o.Cents} }
func (m Money) IsZero() bool      { return m.Cents == 0 }

// NameKey is the case-insensitive natural key of a category within a user.
func NameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (in CategoryInput) Validate() error {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return ErrEmptyName
	}
	if len(name) > MaxNameLength {
		return ErrNameTooLong
	}
	for _, r := range []int{in.Priority, in.Urgency, in.Frequency, in.Impact} {
		if r < MinRating || r > MaxRating {
			return ErrInvalidRating
		}
	}
	return nil
}

// Normalized returns the input with a trimmed name.
func (in CategoryInput) Normalized() CategoryInput {
	in.Name = strings.TrimSpace(in.Name)
	return in
}

// Input returns the rating fields of c as a user action would supply them.
func (c Category) Input() CategoryInput {
	return CategoryInput{
		Name:      c.Name,
		Priority:  int(c.Priority),
		Urgency:   int(c.Urgency),
		Frequency: int(c.Frequency),
		Impact:    int(c.Impact),
	}
}

func (b Budget) Validate() error {
	if strings.TrimSpace(b.UserID) == "" {
		return ErrEmptyUser
	}
	if err := b.Month.Validate(); err != nil {
		return err
	}
	return b.Amount.Validate()
}

func (e Expense) Validate() error {
	if strings.TrimSpace(e.UserID) == "" {
		return ErrEmptyUser
	}
	if strings.TrimSpace(e.CategoryName) == "" {
		return ErrEmptyName
	}
	if err := e.Amount.Validate(); err != nil {
		return err
	}
	if len(e.Note) > MaxNoteLength {
		return ErrNoteTooLong
	}
	return nil
}
