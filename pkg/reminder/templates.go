package reminder

import (
	"fmt"

	"library_lending/pkg/models"
)

const (
	SubjectUpcoming = "Book Due Date Reminder"
	SubjectOverdue  = "Overdue Book Reminder"
)

const dateLayout = "Mon Jan 02 2006"

func upcomingBody(loan models.ActiveLoan, c Classification) string {
	return fmt.Sprintf("Dear %s,\n\n"+
		"This is a reminder that your borrowed book %q is due in %d days on %s. "+
		"Please return the book on time to avoid late fees.\n\nThank you!",
		loan.Username, loan.BookTitle, c.DaysUntilDue, c.DueDate.Format(dateLayout))
}

func overdueBody(loan models.ActiveLoan, c Classification, accrued string) string {
	return fmt.Sprintf("Dear %s,\n\n"+
		"This is a reminder that your borrowed book %q was due on %s. "+
		"It has now been %d days since the due date and late fees of %s have accrued so far. "+
		"Please return the book immediately to avoid further late fees.\n\nThank you!",
		loan.Username, loan.BookTitle, c.DueDate.Format(dateLayout), c.DaysOverdue, accrued)
}

func render(loan models.ActiveLoan, c Classification, accrued string) (subject, body string) {
	if c.Kind == KindOverdue {
		return SubjectOverdue, overdueBody(loan, c, accrued)
	}
	return SubjectUpcoming, upcomingBody(loan, c)
}
