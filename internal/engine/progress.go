package engine

import (
	"strings"
	"sync"
	"time"

	"github.com/seantiz/forge/internal/events"
	"github.com/seantiz/forge/internal/model"
)

// DefaultProgressInterval is the minimum spacing between step.progress events
// of one step.
const DefaultProgressInterval = 500 * time.Millisecond

// progressSink coalesces streamed text into throttled step.progress events.
type progressSink struct {
	bus      *events.Bus
	step     *model.Step
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	text   strings.Builder
	chunks int
	last   time.Time
}

func newProgressSink(bus *events.Bus, step *model.Step, interval time.Duration, now func() time.Time) *progressSink {
	return &progressSink{bus: bus, step: step, interval: interval, now: now}
}

// write appends chunk and publishes the accumulated text if the interval
// since the previous event has elapsed.
func (p *progressSink) write(chunk string) {
	p.mu.Lock()
	p.text.WriteString(chunk)
	p.chunks++
	now := p.now()
	if !p.last.IsZero() && now.Sub(p.last) < p.interval {
		p.mu.Unlock()
		return
	}
	p.last = now
	partial := p.text.String()
	p.mu.Unlock()

	p.publish(partial, false)
}

// flush publishes the complete text with final set. Nothing is published for
// steps that never streamed.
func (p *progressSink) flush() {
	p.mu.Lock()
	if p.chunks == 0 {
		p.mu.Unlock()
		return
	}
	full := p.text.String()
	p.mu.Unlock()

	p.publish(full, true)
}

func (p *progressSink) publish(text string, final bool) {
	p.bus.Publish(p.step.ExecutionID, model.NewEvent(events.StepProgress, p.step.ExecutionID, map[string]any{
		"stepId":  p.step.ID,
		"partial": text,
		"final":   final,
	}))
}
