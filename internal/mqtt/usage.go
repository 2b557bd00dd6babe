package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/vektra-agent/internal/events"
)

// DailyUsage totals runs and tokens since local midnight. It is safe for
// concurrent use.
type DailyUsage struct {
	mu       sync.Mutex
	input    int64
	output   int64
	runs     int64
	resetDay int // day-of-year of last reset
	loc      *time.Location
	now      func() time.Time
}

// Usage is a point-in-time copy of the daily totals.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	Runs         int64 `json:"runs"`
}

// NewDailyUsage creates an accumulator that rolls over at midnight in
// loc. A nil loc means [time.Local].
func NewDailyUsage(loc *time.Location) *DailyUsage {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyUsage{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// Observe counts a finished run. Other events are ignored.
func (d *DailyUsage) Observe(e events.Event) {
	if e.Source != events.SourceAgent || e.Kind != events.KindRunFinish {
		return
	}
	d.Add(intField(e.Data, "input_tokens"), intField(e.Data, "output_tokens"))
}

// Add records one run.
func (d *DailyUsage) Add(inputTokens, outputTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.input += int64(inputTokens)
	d.output += int64(outputTokens)
	d.runs++
}

// Snapshot returns today's totals.
func (d *DailyUsage) Snapshot() Usage {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return Usage{InputTokens: d.input, OutputTokens: d.output, Runs: d.runs}
}

// maybeReset must be called with d.mu held.
func (d *DailyUsage) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.input = 0
		d.output = 0
		d.runs = 0
		d.resetDay = today
	}
}

// intField reads a numeric event field. Events published in process
// carry ints; events decoded from JSON carry float64.
func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
