package main

import (
	"fmt"
	"sync"

	"github.com/fatih/color"

	"github.com/ShayCichocki/arbor/internal/orchestrator"
	"github.com/ShayCichocki/arbor/internal/orchestrator/policy"
)

// progress prints orchestrator events as status lines until closed.
type progress struct {
	emitter  *orchestrator.EventEmitter
	wg       sync.WaitGroup
	answered int
	failed   int
}

func startProgress(show bool) *progress {
	p := &progress{emitter: orchestrator.NewEventEmitter(policy.Default().Events.BufferSize, logger)}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for ev := range p.emitter.Events() {
			p.handle(ev, show)
		}
	}()
	return p
}

func (p *progress) handle(ev orchestrator.Event, show bool) {
	switch ev.Type {
	case orchestrator.EventNodeAnswered:
		p.answered++
		return
	case orchestrator.EventNodeFailed:
		p.failed++
	}
	if !show {
		return
	}

	switch ev.Type {
	case orchestrator.EventNodeCreated:
		printStatus("+", fmt.Sprintf("L%d %s", ev.Level, ev.Message), color.FgHiBlack)
	case orchestrator.EventAliasCreated, orchestrator.EventSummaryCreated, orchestrator.EventCombinationCreated:
		printStatus("~", fmt.Sprintf("L%d %s %s", ev.Level, ev.Kind, ev.Message), color.FgBlue)
	case orchestrator.EventLevelComplete:
		printStatus("✓", fmt.Sprintf("Level %d expanded (%s)", ev.Level, ev.Message), color.FgCyan)
	case orchestrator.EventNodeFailed:
		printStatus("✗", fmt.Sprintf("L%d node %s failed: %s", ev.Level, shortID(ev.NodeID), ev.Message), color.FgRed)
	case orchestrator.EventEvidenceGated:
		printStatus("⚠", fmt.Sprintf("L%d node %s gated: %s (%.2f)", ev.Level, shortID(ev.NodeID), ev.Message, ev.Confidence), color.FgYellow)
	case orchestrator.EventEditApplied:
		printStatus("✓", "Edit applied: "+ev.Message, color.FgGreen)
	case orchestrator.EventMissingAnswered:
		printStatus("?", "Answered uncovered questions: "+ev.Message, color.FgCyan)
	}
}

// Close stops the emitter and waits for the printer to drain.
func (p *progress) Close() {
	p.emitter.Close()
	p.wg.Wait()
	if dropped := p.emitter.DroppedCount(); dropped > 0 {
		printStatus("⚠", fmt.Sprintf("%d progress events dropped", dropped), color.FgYellow)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
