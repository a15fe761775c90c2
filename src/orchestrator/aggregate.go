package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"time"

	agentcore "github.com/stake-plus/govwatch/src/agents/core"
	"github.com/stake-plus/govwatch/src/anomaly"
	"github.com/stake-plus/govwatch/src/graph"
)

// Aggregate folds step outcomes into inv and completes it. Anomalies from
// every producing step are tagged with the investigation id and ranked;
// entities and relationships are merged into g when it is non-nil. The
// investigation completes when at least one step produced a result and fails
// otherwise. Completing an already completed investigation is an error and
// leaves it untouched.
func Aggregate(inv *Investigation, outcomes []StepOutcome, g *graph.Graph, now time.Time) error {
	if inv.Status.Finished() || !inv.CompletedAt.IsZero() {
		return fmt.Errorf("%w: %s", ErrAlreadyCompleted, inv.ID)
	}

	byID := map[string]int{}
	var (
		anomalies []anomaly.Anomaly
		findings  []agentcore.Finding
		produced  []string
		problems  []string
	)
	for _, o := range outcomes {
		if !o.Status.Produced() || o.Response == nil {
			if o.Status == StepFailed || o.Status == StepSkipped {
				problems = append(problems, fmt.Sprintf("%s: %s", o.StepID, o.Error))
			}
			continue
		}
		produced = append(produced, o.StepID)
		res := o.Response.Result

		for _, a := range res.Anomalies {
			a.InvestigationID = inv.ID
			if a.DetectedAt.IsZero() {
				a.DetectedAt = o.CompletedAt
			}
			a.Indicators = append([]string(nil), a.Indicators...)
			a.Recommendations = append([]string(nil), a.Recommendations...)
			a.Methods = append([]anomaly.Method(nil), a.Methods...)
			if i, seen := byID[a.ID]; seen {
				if a.Score > anomalies[i].Score {
					anomalies[i] = a
				}
				continue
			}
			byID[a.ID] = len(anomalies)
			anomalies = append(anomalies, a)
		}
		findings = append(findings, res.Findings...)

		if g != nil {
			if err := g.Merge(res.Entities, res.Relationships); err != nil {
				problems = append(problems, fmt.Sprintf("%s: graph: %v", o.StepID, err))
			}
		}
	}
	anomaly.Rank(anomalies)
	sort.SliceStable(findings, func(i, j int) bool { return findings[i].Confidence > findings[j].Confidence })

	inv.Steps = append([]StepOutcome(nil), outcomes...)
	inv.Anomalies = anomalies
	if inv.Anomalies == nil {
		inv.Anomalies = []anomaly.Anomaly{}
	}
	inv.Findings = findings
	inv.Summary = summarize(outcomes, anomalies)

	status := StatusFailed
	if len(produced) > 0 {
		status = StatusCompleted
	}
	if status == StatusFailed {
		switch {
		case inv.Cancelled:
			inv.Error = "cancelled before any step produced a result"
		case len(problems) > 0:
			inv.Error = strings.Join(problems, "; ")
		default:
			inv.Error = "no step produced a result"
		}
	}
	return inv.Complete(status, now)
}

func summarize(outcomes []StepOutcome, anomalies []anomaly.Anomaly) string {
	counts := map[StepStatus]int{}
	for _, o := range outcomes {
		counts[o.Status]++
	}
	var parts []string
	for _, st := range []StepStatus{StepCompleted, StepDegraded, StepFailed, StepSkipped, StepCancelled} {
		if counts[st] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[st], st))
		}
	}

	critical := 0
	for _, a := range anomalies {
		if a.Severity() == anomaly.SeverityCritical {
			critical++
		}
	}
	return fmt.Sprintf("%d steps (%s); %d anomalies, %d critical",
		len(outcomes), strings.Join(parts, ", "), len(anomalies), critical)
}
