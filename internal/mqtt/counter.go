package mqtt

import (
	"sync"
	"time"
)

// DailyCounter counts answers and errors since local midnight. It is
// safe for concurrent use.
type DailyCounter struct {
	mu      sync.Mutex
	answers int64
	errors  int64
	day     string // local date of the last reset
	loc     *time.Location
	nowFunc func() time.Time
}

// NewDailyCounter creates a counter that rolls over at midnight in
// loc. If loc is nil, [time.Local] is used.
func NewDailyCounter(loc *time.Location) *DailyCounter {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyCounter{loc: loc, nowFunc: time.Now}
	d.day = d.today()
	return d
}

// Record counts one answer, and one error when failed is set.
func (d *DailyCounter) Record(failed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.answers++
	if failed {
		d.errors++
	}
}

// Snapshot returns today's answers and errors.
func (d *DailyCounter) Snapshot() (answers, errors int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.answers, d.errors
}

func (d *DailyCounter) today() string {
	return d.nowFunc().In(d.loc).Format("2006-01-02")
}

// maybeReset must be called with d.mu held.
func (d *DailyCounter) maybeReset() {
	if today := d.today(); today != d.day {
		d.answers = 0
		d.errors = 0
		d.day = today
	}
}
