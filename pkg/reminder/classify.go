package reminder

import (
	"math"
	"time"
)

const day = 24 * time.Hour

const (
	upcomingDays = 2
	overdueDays  = 7
)

type Kind int

const (
	KindNone Kind = iota
	KindUpcoming
	KindOverdue
)

func (k Kind) String() string {
	switch k {
	case KindUpcoming:
		return "upcoming"
	case KindOverdue:
		return "overdue"
	default:
		return "none"
	}
}

type Classification struct {
	Kind         Kind
	DueDate      time.Time
	DaysUntilDue int
	DaysOverdue  int
}

// Classify decides which reminder, if any, a loan borrowed at borrowed is due
// for at now. Day counts round up, so a loan due in 36 hours is two days out.
func Classify(borrowed, now time.Time, loanPeriod time.Duration) Classification {
	due := borrowed.Add(loanPeriod)
	c := Classification{
		DueDate:      due,
		DaysUntilDue: ceilDays(due.Sub(now)),
		DaysOverdue:  ceilDays(now.Sub(due)),
	}
	switch {
	case c.DaysUntilDue == upcomingDays:
		c.Kind = KindUpcoming
	case c.DaysOverdue >= overdueDays:
		c.Kind = KindOverdue
	}
	return c
}

func ceilDays(d time.Duration) int {
	return int(math.Ceil(float64(d) / float64(day)))
}
