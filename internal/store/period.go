package store

import (
	"fmt"
	"time"

	"filaflow/queue-service/internal/models"
)

// PeriodKeyAll is the period key for queues that never reset
// automatically. Manual queues share it; their counter only moves back
// to zero through an explicit ResetCounter call.
const PeriodKeyAll = "ALL"

// PeriodKey derives the numbering-epoch identifier for a queue from its
// reset policy and the issuance time. Tickets issued within the same
// period share a counter row; a new key starts the numbering at 1.
func PeriodKey(resetPolicy string, now time.Time) (string, error) {
	now = now.UTC()
	switch resetPolicy {
	case models.ResetNever, models.ResetManual:
		return PeriodKeyAll, nil
	case models.ResetDaily:
		return now.Format("2006-01-02"), nil
	case models.ResetWeekly:
		year, week := now.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week), nil
	case models.ResetMonthly:
		return now.Format("2006-01"), nil
	case models.ResetYearly:
		return now.Format("2006"), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidResetPolicy, resetPolicy)
	}
}

// FormatCode builds the human-facing ticket label: prefix plus the
// number left-padded with zeros to the queue's configured width.
// Numbers wider than the configured width are kept intact.
func FormatCode(prefix string, number int64, width int) string {
	return fmt.Sprintf("%s%0*d", prefix, width, number)
}
