// Package journal persists role transitions so operators can reconstruct
// failover history after the fact. The control loop itself never reads it
// back; roles are recomputed from the coordinator every tick.
package journal

import (
	"context"
	"time"
)

// Transition is one recorded role change.
type Transition struct {
	ID      string
	Cluster string
	Node    string
	From    string
	To      string
	Reason  string
	At      time.Time
}

// Recorder appends transitions. Store is the SQL-backed implementation.
type Recorder interface {
	Record(ctx context.Context, t Transition) error
}
