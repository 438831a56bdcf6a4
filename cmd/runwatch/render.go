package main

import (
	"context"
	"fmt"
	"time"

	"runwatch/internal/monitor"
	"runwatch/internal/protocol"
	"runwatch/internal/stream"
)

// watchPlain streams one line per event, for pipes and CI logs.
func watchPlain(ctx context.Context, s *stream.Stream, m *monitor.RunMonitor) error {
	printed := 0
	err := monitor.Follow(ctx, s, m, func(snapshot monitor.Snapshot) {
		for ; printed < len(snapshot.Run.Events); printed++ {
			fmt.Println(eventLine(snapshot.Run.Events[printed]))
		}
	})
	if err != nil && err != context.Canceled {
		return err
	}

	snapshot := m.Snapshot()
	fmt.Printf("final status: %s\n", statusColor(string(snapshot.Run.WorkflowStatus)))
	if snapshot.Evaluation != nil {
		verdict := red("failed")
		if snapshot.Evaluation.Passed {
			verdict = green("passed")
		}
		fmt.Printf("evaluation: %.1f (%s) %s\n",
			snapshot.Evaluation.WeightedScore, snapshot.Evaluation.Grade, verdict)
	}
	for key := range snapshot.Kickbacks {
		if count := snapshot.Traversals[key]; count > 0 {
			fmt.Printf("rework loop %s traversed %s\n", key, yellow(fmt.Sprintf("%d times", count)))
		}
	}
	return nil
}

func eventLine(ev protocol.Event) string {
	switch e := ev.(type) {
	case protocol.WorkflowStart:
		return fmt.Sprintf("%s %s", cyan("workflow"), bold(e.WorkflowName))
	case protocol.StepStart:
		return fmt.Sprintf("%s %s", yellow("start   "), e.Step)
	case protocol.StepEnd:
		status := statusColor(string(e.Status))
		line := fmt.Sprintf("%s %s %s (%s)", gray("end     "), e.Step, status,
			e.Duration().Truncate(time.Millisecond))
		if e.ModelUsed != "" {
			line += gray(" " + e.ModelUsed)
		}
		return line
	case protocol.Evaluating:
		return cyan("evaluating...")
	case protocol.EvaluationResult:
		return fmt.Sprintf("%s %.1f (%s)", cyan("scored  "), e.WeightedScore, e.Grade)
	case protocol.WorkflowEnd:
		return fmt.Sprintf("%s %s", cyan("finished"), statusColor(e.Status))
	case protocol.ErrorEvent:
		return red("error: " + e.Message)
	default:
		return gray(fmt.Sprintf("%v", ev.Type()))
	}
}
