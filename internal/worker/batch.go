package worker

import (
	"fmt"
	"time"
)

const day = 24 * time.Hour

// BatchWindow is a daily off-peak period during which workers drain their
// queues instead of polling one job at a time. A window may cross midnight.
type BatchWindow struct {
	start  time.Duration // offset from local midnight
	length time.Duration
}

// ParseBatchWindow builds a window starting at start ("HH:MM") and lasting d.
func ParseBatchWindow(start string, d time.Duration) (*BatchWindow, error) {
	t, err := time.Parse("15:04", start)
	if err != nil {
		return nil, fmt.Errorf("invalid batch window start %q: %w", start, err)
	}
	if d <= 0 || d > day {
		return nil, fmt.Errorf("invalid batch window duration %s: must be in (0, 24h]", d)
	}
	offset := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
	return &BatchWindow{start: offset, length: d}, nil
}

// Contains reports whether t falls inside the window, in t's location.
func (b *BatchWindow) Contains(t time.Time) bool {
	if b == nil {
		return false
	}
	if b.length >= day {
		return true
	}

	offset := time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond())
	end := b.start + b.length
	if offset >= b.start && offset < end {
		return true
	}
	// yesterday's window spilling past midnight
	return end > day && offset < end-day
}

func (b *BatchWindow) String() string {
	start := time.Time{}.Add(b.start).Format("15:04")
	return fmt.Sprintf("%s+%s", start, b.length)
}
