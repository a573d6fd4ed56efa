package failover

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/gumtree/consul-failover/internal/app"
)

// DefaultDisableFlagFile is the operator escape hatch: while this file
// exists the node stays out of leader contention.
const DefaultDisableFlagFile = "/var/tmp/consul_failover_disable"

// ControllerConfig carries the knobs the controller needs.
type ControllerConfig struct {
	Cluster string
	Node    string

	// DisableFlagFile is checked every tick; presence forces the disabled
	// role. Defaults to DefaultDisableFlagFile.
	DisableFlagFile string

	// TickInterval paces the control loop. Defaults to 2s.
	TickInterval time.Duration

	// Observers are told about role transitions.
	Observers []Observer
}

// Controller runs the failover state machine. It is single-threaded: all
// coordinator mutations and all handler reconfiguration calls happen on
// the loop goroutine, so the handler's EnsureMaster and EnsureSlave are
// never concurrent with each other.
type Controller struct {
	coord     Coordinator
	handler   app.Handler
	cluster   string
	node      string
	flagFile  string
	tick      time.Duration
	observers []Observer

	role       Role
	lastHealth *bool
}

func NewController(coord Coordinator, handler app.Handler, cfg ControllerConfig) *Controller {
	if cfg.DisableFlagFile == "" {
		cfg.DisableFlagFile = DefaultDisableFlagFile
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 2 * time.Second
	}

	return &Controller{
		coord:     coord,
		handler:   handler,
		cluster:   cfg.Cluster,
		node:      cfg.Node,
		flagFile:  cfg.DisableFlagFile,
		tick:      cfg.TickInterval,
		observers: cfg.Observers,
		role:      RoleUnknown,
	}
}

// Role returns the last role the controller settled on.
func (c *Controller) Role() Role {
	return c.role
}

// Loop ticks until the context ends. It returns nil on cancellation and an
// error only on invariant violations, which are not recoverable by
// retrying.
func (c *Controller) Loop(ctx context.Context) error {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Tick(ctx); err != nil {
				return err
			}
		}
	}
}

// Tick runs one control-loop iteration: coordinator-observed health, then
// the disable flag, then session and lock, then the role action and tag.
// Transient coordinator errors abort the tick with the role unchanged;
// reality is re-observed on the next one.
func (c *Controller) Tick(ctx context.Context) error {
	healthy, err := c.coord.CheckPassing(ctx)
	if err != nil {
		slog.Warn("unable to read service health", "error", err)
		return nil
	}

	if c.lastHealth == nil || *c.lastHealth != healthy {
		c.lastHealth = &healthy
		text := "not healthy"
		if healthy {
			text = "healthy"
		}
		slog.Info("service is " + text)
	}

	if !healthy {
		if err := c.coord.SetTag(ctx, TagUnhealthy); err != nil {
			slog.Warn("unable to set tag", "tag", TagUnhealthy, "error", err)
			return nil
		}
		c.setRole(ctx, RoleUnhealthy, "coordinator health check not passing")
		return nil
	}

	if c.disableFlagPresent() {
		if tag, err := c.coord.Tag(ctx); err == nil && tag != TagDisabled {
			slog.Info("disabling service", "flag", c.flagFile)
		}
		if err := c.coord.SetTag(ctx, TagDisabled); err != nil {
			slog.Warn("unable to set tag", "tag", TagDisabled, "error", err)
			return nil
		}
		// Health checks keep passing while disabled, so the coordinator
		// will not invalidate the session for us. Destroy it so the
		// leader lock is released and another node can take over.
		if session, err := c.coord.ExistingSession(ctx); err == nil && session != "" {
			slog.Info("destroying leader session while disabled", "session", session)
			if err := c.coord.SessionDestroy(ctx, session); err != nil {
				slog.Warn("unable to destroy session", "session", session, "error", err)
			}
		}
		c.setRole(ctx, RoleDisabled, "disable flag present")
		return nil
	}

	session, err := c.session(ctx)
	if err != nil {
		if errors.Is(err, ErrMultipleSessions) {
			return err
		}
		slog.Warn("unable to obtain leader session", "error", err)
		return nil
	}

	acquired, err := c.coord.AcquireLock(ctx, session)
	if err != nil {
		slog.Warn("unable to attempt lock acquisition", "error", err)
		return nil
	}

	if acquired {
		if err := c.coord.SetTag(ctx, TagMaster); err != nil {
			slog.Warn("unable to set tag", "tag", TagMaster, "error", err)
			return nil
		}
		c.setRole(ctx, RoleMaster, "leader lock acquired")
		if err := c.handler.EnsureMaster(ctx); err != nil {
			slog.Warn("ensure master failed", "error", err)
		}
		return nil
	}

	leader := c.leader(ctx)
	if leader == "" {
		slog.Info("unable to lock and unable to determine leader, retrying")
		return nil
	}

	if err := c.coord.SetTag(ctx, TagSlave); err != nil {
		slog.Warn("unable to set tag", "tag", TagSlave, "error", err)
		return nil
	}
	c.setRole(ctx, RoleSlave, "following leader "+leader)
	if err := c.handler.EnsureSlave(ctx, leader); err != nil {
		slog.Warn("ensure slave failed", "leader", leader, "error", err)
	}
	return nil
}

// session returns this node's leader session, creating one when none
// exists.
func (c *Controller) session(ctx context.Context) (string, error) {
	id, err := c.coord.ExistingSession(ctx)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	return c.coord.SessionCreate(ctx)
}

// leader resolves the current lock holder to a node name. An empty result
// means the lock is unheld or the holding session could not be resolved;
// either way the next tick retries.
func (c *Controller) leader(ctx context.Context) string {
	lock, err := c.coord.LockHolder(ctx)
	if err != nil {
		slog.Warn("unable to read leader lock", "error", err)
		return ""
	}
	if lock.Holder == "" {
		return ""
	}

	node, err := c.coord.SessionNode(ctx, lock.Holder)
	if err != nil {
		slog.Warn("unable to resolve leader session", "session", lock.Holder, "error", err)
		return ""
	}
	if node == "" {
		slog.Warn("leader lock held by unknown session", "session", lock.Holder)
		return ""
	}
	return node
}

func (c *Controller) disableFlagPresent() bool {
	_, err := os.Stat(c.flagFile)
	return err == nil
}

func (c *Controller) setRole(ctx context.Context, to Role, reason string) {
	if c.role == to {
		return
	}

	change := RoleChange{
		Cluster: c.cluster,
		Node:    c.node,
		From:    c.role,
		To:      to,
		Reason:  reason,
		At:      time.Now().UTC(),
	}
	c.role = to

	slog.Info("role changed", "from", change.From, "to", change.To, "reason", reason)
	for _, o := range c.observers {
		o.RoleChanged(ctx, change)
	}
}
