package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/gumtree/consul-failover/internal/failover"
	"github.com/gumtree/consul-failover/internal/journal"
	"github.com/gumtree/consul-failover/internal/reporting"
	"github.com/gumtree/consul-failover/internal/storage"
)

// journalObserver appends every role transition to the journal.
type journalObserver struct {
	recorder journal.Recorder
}

func (j *journalObserver) RoleChanged(ctx context.Context, change failover.RoleChange) {
	t := journal.Transition{
		ID:      uuid.New().String(),
		Cluster: change.Cluster,
		Node:    change.Node,
		From:    change.From.String(),
		To:      change.To.String(),
		Reason:  change.Reason,
		At:      change.At,
	}
	if err := j.recorder.Record(ctx, t); err != nil {
		slog.Warn("unable to journal role transition", "error", err)
	}
}

// slackObserver notifies role transitions through the flap circuit
// breaker, so a flapping cluster produces one alert instead of a storm.
type slackObserver struct {
	notifier *reporting.SlackNotifier
	breaker  *reporting.CircuitBreaker
}

func (s *slackObserver) RoleChanged(ctx context.Context, change failover.RoleChange) {
	reason := change.From.String() + " -> " + change.To.String() + ": " + change.Reason
	decision := s.breaker.Observe(change.At, reason)

	if decision.Recovered != nil {
		if err := s.notifier.SendRecoveryAlert(change.Cluster, change.Node, *decision.Recovered); err != nil {
			slog.Warn("unable to send recovery alert", "error", err)
		}
	}
	if decision.Flapping != nil {
		if err := s.notifier.SendFlapAlert(change.Cluster, change.Node, *decision.Flapping); err != nil {
			slog.Warn("unable to send flap alert", "error", err)
		}
		return
	}
	if !decision.Notify {
		return
	}

	err := s.notifier.SendTransition(reporting.TransitionSummary{
		Cluster: change.Cluster,
		Node:    change.Node,
		From:    change.From.String(),
		To:      change.To.String(),
		Reason:  change.Reason,
		At:      change.At,
	})
	if err != nil {
		slog.Warn("unable to send transition notification", "error", err)
	}
}

// archiveObserver writes a JSON transition report to the configured
// archive.
type archiveObserver struct {
	archive storage.Archive
}

type transitionReport struct {
	Cluster string    `json:"cluster"`
	Node    string    `json:"node"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

func (a *archiveObserver) RoleChanged(ctx context.Context, change failover.RoleChange) {
	report, err := json.MarshalIndent(transitionReport{
		Cluster: change.Cluster,
		Node:    change.Node,
		From:    change.From.String(),
		To:      change.To.String(),
		Reason:  change.Reason,
		At:      change.At,
	}, "", "  ")
	if err != nil {
		slog.Warn("unable to marshal transition report", "error", err)
		return
	}

	id := change.Cluster + "/" + change.At.Format("20060102T150405.000Z") + "-" + change.To.String()
	location, err := a.archive.SaveReport(ctx, id, report)
	if err != nil {
		slog.Warn("unable to archive transition report", "error", err)
		return
	}
	slog.Debug("archived transition report", "location", location)
}
