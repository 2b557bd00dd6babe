package usage

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nugget/vektra-agent/internal/config"
	"github.com/nugget/vektra-agent/internal/events"
)

// Recorder turns run_finish events into usage records.
type Recorder struct {
	store    *Store
	pricing  map[string]config.PricingEntry
	provider func(model string) string
	logger   *slog.Logger
}

// NewRecorder creates a recorder. provider names the provider serving a
// model; it may be nil.
func NewRecorder(store *Store, pricing map[string]config.PricingEntry, provider func(model string) string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, pricing: pricing, provider: provider, logger: logger}
}

// Observe records a finished run. Other events are ignored.
func (r *Recorder) Observe(ctx context.Context, e events.Event) error {
	if e.Source != events.SourceAgent || e.Kind != events.KindRunFinish {
		return nil
	}

	model, _ := e.Data["model"].(string)
	conv, _ := e.Data["conversation_id"].(string)
	reason, _ := e.Data["reason"].(string)
	in := intField(e.Data, "input_tokens")
	out := intField(e.Data, "output_tokens")

	// Prices are keyed by the bare model name.
	name := model
	if _, rest, ok := strings.Cut(model, "/"); ok {
		if _, priced := r.pricing[model]; !priced {
			name = rest
		}
	}

	var provider string
	if r.provider != nil {
		provider = r.provider(model)
	}

	return r.store.Record(ctx, Record{
		Timestamp:      e.Timestamp,
		ConversationID: conv,
		Model:          model,
		Provider:       provider,
		InputTokens:    in,
		OutputTokens:   out,
		CostUSD:        ComputeCost(name, in, out, r.pricing),
		FinishReason:   reason,
		Turns:          intField(e.Data, "turns"),
	})
}

// Run subscribes to bus and records until ctx is cancelled.
func (r *Recorder) Run(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := r.Observe(context.WithoutCancel(ctx), e); err != nil {
				r.logger.Warn("usage record failed", "error", err)
			}
		}
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
