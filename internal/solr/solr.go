// Package solr manages a master/slave Solr deployment: health is read
// from the cores API, and role changes rewrite core.properties and
// restart the servlet container.
package solr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gumtree/consul-failover/internal/app"
)

const (
	masterProperties = "enable.master=true\nenable.slave=false\n"
	slaveProperties  = "enable.master=false\nenable.slave=true\n"
)

// Config configures the handler.
type Config struct {
	// Port is the Solr HTTP port.
	Port int

	// BaseURI is the API path prefix, e.g. "/solr".
	BaseURI string

	// BaseDir holds one directory per core, each with a core.properties.
	BaseDir string

	// InitScript controls the servlet container, e.g.
	// /etc/init.d/tomcat7-solr.
	InitScript string

	// RestartTimeout bounds one restart. While a master restart is inside
	// this window the health check reports a deliberate false positive so
	// the leader lock survives the restart.
	RestartTimeout time.Duration

	// RestartFlagFile records when a master restart began.
	RestartFlagFile string
}

// Handler implements app.Handler for Solr.
type Handler struct {
	cfg    Config
	client *http.Client

	// propMu guards core.properties reads and writes; restarts themselves
	// run unlocked so the probe stays responsive while Solr cycles.
	propMu sync.RWMutex
}

var _ app.Handler = (*Handler)(nil)

func New(cfg Config) *Handler {
	if cfg.BaseURI == "" {
		cfg.BaseURI = "/solr"
	}
	if cfg.InitScript == "" {
		cfg.InitScript = "/etc/init.d/tomcat7-solr"
	}
	if cfg.RestartTimeout <= 0 {
		cfg.RestartTimeout = 5 * time.Minute
	}
	if cfg.RestartFlagFile == "" {
		cfg.RestartFlagFile = "/var/tmp/solr_restart.txt"
	}

	return &Handler{
		cfg:    cfg,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// Health reports Solr health, except while a master restart is in flight:
// then it reports a false positive so the leader lock is not lost to a
// planned restart.
func (h *Handler) Health(ctx context.Context) app.Health {
	if master, err := h.isMaster(); err == nil && master && h.isRestarting() {
		return app.Health{OK: true, Message: "Master service is restarting"}
	}
	return h.coreHealth(ctx)
}

// coreHealth queries the cores API directly, bypassing the restart grace.
func (h *Handler) coreHealth(ctx context.Context) app.Health {
	url := fmt.Sprintf("http://localhost:%d%s/admin/cores?action=STATUS&wt=json", h.cfg.Port, h.cfg.BaseURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return app.Health{OK: false, Message: fmt.Sprintf("Unable to connect to Solr API: %v", err)}
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return app.Health{OK: false, Message: fmt.Sprintf("Unable to connect to Solr API: %v", err)}
	}
	defer resp.Body.Close()

	var payload struct {
		Status map[string]struct {
			Name   string `json:"name"`
			Uptime int64  `json:"uptime"`
		} `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return app.Health{OK: false, Message: fmt.Sprintf("Solr API returned invalid status: %v", err)}
	}

	if len(payload.Status) == 0 {
		return app.Health{OK: false, Message: "Unable to get core status from Solr API"}
	}
	for core, status := range payload.Status {
		if status.Name == "" || status.Uptime == 0 {
			return app.Health{OK: false, Message: "Health check failed for core " + core}
		}
	}
	return app.Health{OK: true, Message: fmt.Sprintf("Solr operating with %d cores", len(payload.Status))}
}

// EnsureMaster rewrites the cores for master mode and restarts Solr. The
// restart flag keeps the probe green for the duration.
func (h *Handler) EnsureMaster(ctx context.Context) error {
	master, err := h.isMaster()
	if err != nil {
		return err
	}
	if master {
		return nil
	}

	slog.Info("becoming master")
	if err := h.flagRestart(); err != nil {
		return err
	}
	return h.reconfigure(ctx, masterProperties)
}

// EnsureSlave rewrites the cores for slave mode and restarts Solr. Solr
// slaves find their master through replication config, so masterNode is
// not needed here.
func (h *Handler) EnsureSlave(ctx context.Context, masterNode string) error {
	slave, err := h.isSlave()
	if err != nil {
		return err
	}
	if slave {
		return nil
	}

	slog.Info("becoming a slave")
	return h.reconfigure(ctx, slaveProperties)
}

func (h *Handler) reconfigure(ctx context.Context, properties string) error {
	if err := h.controlSolr(ctx, "down"); err != nil {
		return err
	}
	if err := h.setProperties(properties); err != nil {
		return err
	}
	if err := h.controlSolr(ctx, "up"); err != nil {
		return err
	}
	slog.Info("restarted successfully")
	return nil
}

// flagRestart records when a master restart began.
func (h *Handler) flagRestart() error {
	stamp := strconv.FormatInt(time.Now().Unix(), 10)
	if err := os.WriteFile(h.cfg.RestartFlagFile, []byte(stamp), 0644); err != nil {
		return fmt.Errorf("failed to write restart flag: %w", err)
	}
	return nil
}

// isRestarting reports whether a flagged restart is still inside its
// allowed window. A stale or unreadable flag is removed.
func (h *Handler) isRestarting() bool {
	data, err := os.ReadFile(h.cfg.RestartFlagFile)
	if err != nil {
		return false
	}

	stamp, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		slog.Info("invalid timestamp in restart flag", "file", h.cfg.RestartFlagFile)
		os.Remove(h.cfg.RestartFlagFile)
		return false
	}

	if time.Since(time.Unix(stamp, 0)) < h.cfg.RestartTimeout {
		return true
	}

	os.Remove(h.cfg.RestartFlagFile)
	return false
}

// controlSolr drives the init script and waits for the requested state.
func (h *Handler) controlSolr(ctx context.Context, wantState string) error {
	initArg := map[string]string{"up": "start", "down": "stop"}[wantState]
	slog.Info("bringing solr " + wantState)

	cmd := exec.CommandContext(ctx, h.cfg.InitScript, initArg)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("error running %s %s: %v: %s", h.cfg.InitScript, initArg, err, out)
	}

	return h.waitSolr(ctx, wantState)
}

// waitSolr polls core health until Solr reaches the wanted state or the
// restart timeout passes, logging progress every 30 seconds.
func (h *Handler) waitSolr(ctx context.Context, wantState string) error {
	deadline := time.Now().Add(h.cfg.RestartTimeout)
	lastNotify := time.Now()

	for time.Now().Before(deadline) {
		health := h.coreHealth(ctx)
		if health.OK && wantState == "up" {
			return nil
		}
		if !health.OK && wantState == "down" {
			return nil
		}

		if time.Since(lastNotify) > 30*time.Second {
			lastNotify = time.Now()
			remaining := time.Until(deadline).Round(5 * time.Second)
			slog.Info("waiting for solr to restart", "remaining", remaining)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	return fmt.Errorf("solr did not come %s within %s", wantState, h.cfg.RestartTimeout)
}

// propertiesFiles lists the core.properties files under BaseDir.
func (h *Handler) propertiesFiles() ([]string, error) {
	entries, err := os.ReadDir(h.cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list core directories: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(h.cfg.BaseDir, entry.Name(), "core.properties")
		if _, err := os.Stat(path); err == nil {
			files = append(files, path)
		}
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no core.properties files found under %s", h.cfg.BaseDir)
	}
	return files, nil
}

// setProperties writes the given config to every core.
func (h *Handler) setProperties(properties string) error {
	h.propMu.Lock()
	defer h.propMu.Unlock()

	files, err := h.propertiesFiles()
	if err != nil {
		return err
	}
	for _, file := range files {
		if err := os.WriteFile(file, []byte(properties), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", file, err)
		}
	}
	return nil
}

// checkCoreConfig reports whether every core carries exactly the given
// config.
func (h *Handler) checkCoreConfig(properties string) (bool, error) {
	h.propMu.RLock()
	defer h.propMu.RUnlock()

	files, err := h.propertiesFiles()
	if err != nil {
		return false, err
	}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return false, fmt.Errorf("failed to read %s: %w", file, err)
		}
		if string(data) != properties {
			return false, nil
		}
	}
	return true, nil
}

func (h *Handler) isMaster() (bool, error) {
	return h.checkCoreConfig(masterProperties)
}

func (h *Handler) isSlave() (bool, error) {
	return h.checkCoreConfig(slaveProperties)
}
