// Package consul implements the coordinator adapter over the local Consul
// agent.
package consul

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	capi "github.com/hashicorp/consul/api"

	"github.com/gumtree/consul-failover/internal/failover"
)

// Config wires a Client to one cluster on one node.
type Config struct {
	// Address of the local Consul agent; empty uses the client default.
	Address string

	Cluster string
	Node    string

	// APIPort is where our probe endpoint listens; the registered health
	// check polls it.
	APIPort int

	// ApplicationPort is the managed service's port, advertised in the
	// registration.
	ApplicationPort int

	// CheckInterval is the Consul-side poll interval, e.g. "30s".
	CheckInterval string

	// CallTimeout bounds every individual round trip to the agent.
	CallTimeout time.Duration

	// LockDelay bounds post-release contention on the leader lock.
	LockDelay time.Duration

	// SessionRetryBackoff paces SessionCreate retries.
	SessionRetryBackoff time.Duration
}

// Client implements failover.Coordinator against a real Consul agent.
type Client struct {
	api *capi.Client
	cfg Config
}

var _ failover.Coordinator = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.LockDelay <= 0 {
		cfg.LockDelay = time.Second
	}
	if cfg.SessionRetryBackoff <= 0 {
		cfg.SessionRetryBackoff = 2 * time.Second
	}
	if cfg.CheckInterval == "" {
		cfg.CheckInterval = "30s"
	}

	apiCfg := capi.DefaultConfig()
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}

	client, err := capi.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}

	return &Client{api: client, cfg: cfg}, nil
}

func (c *Client) lockKey() string {
	return fmt.Sprintf("lock/%s/leader", c.cfg.Cluster)
}

func (c *Client) serviceCheckID() string {
	return "service:" + c.cfg.Cluster
}

func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.CallTimeout)
}

func (c *Client) registration(tags ...string) *capi.AgentServiceRegistration {
	return &capi.AgentServiceRegistration{
		Name: c.cfg.Cluster,
		Port: c.cfg.ApplicationPort,
		Tags: tags,
		Check: &capi.AgentServiceCheck{
			HTTP:     fmt.Sprintf("http://127.0.0.1:%d/health", c.cfg.APIPort),
			Interval: c.cfg.CheckInterval,
		},
	}
}

func (c *Client) services(ctx context.Context) (map[string]*capi.AgentService, error) {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	return c.api.Agent().ServicesWithFilterOpts("", (&capi.QueryOptions{}).WithContext(cctx))
}

// Register writes the service registration unless one already exists.
func (c *Client) Register(ctx context.Context, tag string) (bool, error) {
	services, err := c.services(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list agent services: %w", err)
	}
	if _, ok := services[c.cfg.Cluster]; ok {
		return false, nil
	}

	slog.Info("registering service in consul", "service", c.cfg.Cluster)

	reg := c.registration()
	if tag != "" {
		reg.Tags = []string{tag}
	}

	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	opts := capi.ServiceRegisterOpts{}.WithContext(cctx)
	if err := c.api.Agent().ServiceRegisterOpts(reg, opts); err != nil {
		return false, fmt.Errorf("failed to register service: %w", err)
	}
	return true, nil
}

// Deregister destroys any leader session this node owns and removes the
// registration. No-op when the service is not registered.
func (c *Client) Deregister(ctx context.Context) error {
	services, err := c.services(ctx)
	if err != nil {
		return fmt.Errorf("failed to list agent services: %w", err)
	}
	if _, ok := services[c.cfg.Cluster]; !ok {
		return nil
	}

	slog.Info("deregistering service in consul", "service", c.cfg.Cluster)

	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	if err := c.api.Agent().ServiceDeregisterOpts(c.cfg.Cluster, (&capi.QueryOptions{}).WithContext(cctx)); err != nil {
		return fmt.Errorf("failed to deregister service: %w", err)
	}

	// Sessions are node-scoped, so the leader session survives the
	// service deregistration and must be destroyed separately.
	if session, err := c.ExistingSession(ctx); err == nil && session != "" {
		slog.Info("destroying leader session", "session", session)
		if err := c.SessionDestroy(ctx, session); err != nil {
			slog.Warn("unable to destroy session", "session", session, "error", err)
		}
	}
	return nil
}

// SetTag re-registers the service with tag as its single tag. No-op when
// the registration already carries exactly that tag.
func (c *Client) SetTag(ctx context.Context, tag string) error {
	services, err := c.services(ctx)
	if err != nil {
		return fmt.Errorf("failed to list agent services: %w", err)
	}
	if svc, ok := services[c.cfg.Cluster]; ok && len(svc.Tags) == 1 && svc.Tags[0] == tag {
		return nil
	}

	slog.Info("updating tag", "tag", tag)

	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	opts := capi.ServiceRegisterOpts{ReplaceExistingChecks: false}.WithContext(cctx)
	if err := c.api.Agent().ServiceRegisterOpts(c.registration(tag), opts); err != nil {
		return fmt.Errorf("failed to update service tag: %w", err)
	}
	return nil
}

// Tag reads the catalog's view of this node's registration.
func (c *Client) Tag(ctx context.Context) (string, error) {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()

	entries, _, err := c.api.Catalog().Service(c.cfg.Cluster, "", (&capi.QueryOptions{}).WithContext(cctx))
	if err != nil {
		return "", fmt.Errorf("failed to read service catalog: %w", err)
	}

	for _, entry := range entries {
		if entry.Node == c.cfg.Node && len(entry.ServiceTags) > 0 {
			return entry.ServiceTags[0], nil
		}
	}
	return "", nil
}

// CheckPassing reports the agent-observed state of our service check. Only
// an explicit passing status counts; a missing check means the probe has
// not propagated yet and the node is not eligible to lead.
func (c *Client) CheckPassing(ctx context.Context) (bool, error) {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()

	checks, err := c.api.Agent().ChecksWithFilterOpts("", (&capi.QueryOptions{}).WithContext(cctx))
	if err != nil {
		return false, fmt.Errorf("failed to list agent checks: %w", err)
	}
	if len(checks) == 0 {
		slog.Debug("consul agent does not have any health checks")
		return false, nil
	}

	check, ok := checks[c.serviceCheckID()]
	if !ok {
		slog.Debug("consul agent does not have a health check for service", "service", c.cfg.Cluster)
		return false, nil
	}
	return check.Status == capi.HealthPassing, nil
}

// ExistingSession finds this node's leader session. More than one session
// named after the cluster violates the session invariant and is surfaced
// as failover.ErrMultipleSessions.
func (c *Client) ExistingSession(ctx context.Context) (string, error) {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()

	opts := (&capi.QueryOptions{RequireConsistent: true}).WithContext(cctx)
	entries, _, err := c.api.Session().Node(c.cfg.Node, opts)
	if err != nil {
		return "", fmt.Errorf("failed to list node sessions: %w", err)
	}

	var sessions []*capi.SessionEntry
	for _, entry := range entries {
		if entry.Name == c.cfg.Cluster {
			sessions = append(sessions, entry)
		}
	}

	switch len(sessions) {
	case 0:
		return "", nil
	case 1:
		return sessions[0].ID, nil
	default:
		return "", fmt.Errorf("%w: cluster %s has %d", failover.ErrMultipleSessions, c.cfg.Cluster, len(sessions))
	}
}

// SessionCreate creates a session bound to the node and service health
// checks, with a short lock delay to bound post-release contention. It
// retries until the context ends; without a session the agent has no
// useful work to do.
func (c *Client) SessionCreate(ctx context.Context) (string, error) {
	entry := &capi.SessionEntry{
		Name:      c.cfg.Cluster,
		Checks:    []string{"serfHealth", c.serviceCheckID()},
		LockDelay: c.cfg.LockDelay,
	}

	for {
		cctx, cancel := c.callCtx(ctx)
		id, _, err := c.api.Session().Create(entry, (&capi.WriteOptions{}).WithContext(cctx))
		cancel()
		if err == nil {
			return id, nil
		}
		slog.Info("error creating session", "error", err)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.cfg.SessionRetryBackoff):
		}
	}
}

func (c *Client) SessionDestroy(ctx context.Context, id string) error {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()

	if _, err := c.api.Session().Destroy(id, (&capi.WriteOptions{}).WithContext(cctx)); err != nil {
		return fmt.Errorf("failed to destroy session: %w", err)
	}
	return nil
}

// AcquireLock attempts the compare-and-swap acquire of the leader lock.
func (c *Client) AcquireLock(ctx context.Context, session string) (bool, error) {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()

	pair := &capi.KVPair{Key: c.lockKey(), Value: []byte{}, Session: session}
	acquired, _, err := c.api.KV().Acquire(pair, (&capi.WriteOptions{}).WithContext(cctx))
	if err != nil {
		return false, fmt.Errorf("failed to acquire leader lock: %w", err)
	}
	return acquired, nil
}

func (c *Client) LockHolder(ctx context.Context) (failover.LockState, error) {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()

	pair, _, err := c.api.KV().Get(c.lockKey(), (&capi.QueryOptions{}).WithContext(cctx))
	if err != nil {
		return failover.LockState{}, fmt.Errorf("failed to read leader lock: %w", err)
	}
	if pair == nil {
		return failover.LockState{}, nil
	}
	return failover.LockState{Holder: pair.Session, Value: pair.Value}, nil
}

// SessionNode resolves a session to its owning node. A session Consul no
// longer knows about resolves to "".
func (c *Client) SessionNode(ctx context.Context, id string) (string, error) {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()

	entry, _, err := c.api.Session().Info(id, (&capi.QueryOptions{}).WithContext(cctx))
	if err != nil {
		return "", fmt.Errorf("failed to read session info: %w", err)
	}
	if entry == nil {
		return "", nil
	}
	return entry.Node, nil
}
