package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// TuningConfig holds tunable operational parameters that control loop
// pacing and timeouts. They rarely need changing; the defaults match the
// behavior the rest of the system was designed around.
type TuningConfig struct {
	Controller ControllerTuning `mapstructure:"controller"`
	HTTP       HTTPTuning       `mapstructure:"http"`
	Reporting  ReportingTuning  `mapstructure:"reporting"`
}

// ControllerTuning paces the failover control loop.
type ControllerTuning struct {
	// TickIntervalSeconds is the control-loop period.
	TickIntervalSeconds int `mapstructure:"tick_interval_seconds"`

	// LockDelaySeconds bounds post-release contention on the leader lock.
	LockDelaySeconds int `mapstructure:"lock_delay_seconds"`

	// CallTimeoutSeconds bounds each individual Consul round trip.
	CallTimeoutSeconds int `mapstructure:"call_timeout_seconds"`

	// SessionRetryBackoffSeconds paces session-create retries.
	SessionRetryBackoffSeconds int `mapstructure:"session_retry_backoff_seconds"`

	// RegistrationSettleSeconds is how long to wait after a fresh
	// registration for the local agent to notice it.
	RegistrationSettleSeconds int `mapstructure:"registration_settle_seconds"`
}

// HTTPTuning bounds the HTTP surfaces.
type HTTPTuning struct {
	// ProbeTimeoutSeconds bounds one health probe request.
	ProbeTimeoutSeconds int `mapstructure:"probe_timeout_seconds"`

	// SlackTimeoutSeconds bounds a Slack webhook post.
	SlackTimeoutSeconds int `mapstructure:"slack_timeout_seconds"`
}

// ReportingTuning controls flap suppression for failover notifications.
type ReportingTuning struct {
	// FlapThreshold is how many role transitions within FlapWindowSeconds
	// open the circuit.
	FlapThreshold int `mapstructure:"flap_threshold"`

	// FlapWindowSeconds is the window transitions are counted over.
	FlapWindowSeconds int `mapstructure:"flap_window_seconds"`

	// QuietPeriodSeconds without a transition closes the circuit again.
	QuietPeriodSeconds int `mapstructure:"quiet_period_seconds"`

	// MaxReasonsTracked bounds the transition reasons kept for the
	// suppression summary.
	MaxReasonsTracked int `mapstructure:"max_reasons_tracked"`
}

func (t ControllerTuning) TickInterval() time.Duration {
	return time.Duration(t.TickIntervalSeconds) * time.Second
}

func (t ControllerTuning) LockDelay() time.Duration {
	return time.Duration(t.LockDelaySeconds) * time.Second
}

func (t ControllerTuning) CallTimeout() time.Duration {
	return time.Duration(t.CallTimeoutSeconds) * time.Second
}

func (t ControllerTuning) SessionRetryBackoff() time.Duration {
	return time.Duration(t.SessionRetryBackoffSeconds) * time.Second
}

func (t ControllerTuning) RegistrationSettle() time.Duration {
	return time.Duration(t.RegistrationSettleSeconds) * time.Second
}

func (t HTTPTuning) ProbeTimeout() time.Duration {
	return time.Duration(t.ProbeTimeoutSeconds) * time.Second
}

func (t HTTPTuning) SlackTimeout() time.Duration {
	return time.Duration(t.SlackTimeoutSeconds) * time.Second
}

func (t ReportingTuning) FlapWindow() time.Duration {
	return time.Duration(t.FlapWindowSeconds) * time.Second
}

func (t ReportingTuning) QuietPeriod() time.Duration {
	return time.Duration(t.QuietPeriodSeconds) * time.Second
}

func defaultTuning() *TuningConfig {
	return &TuningConfig{
		Controller: ControllerTuning{
			TickIntervalSeconds:        2,
			LockDelaySeconds:           1,
			CallTimeoutSeconds:         5,
			SessionRetryBackoffSeconds: 2,
			RegistrationSettleSeconds:  1,
		},
		HTTP: HTTPTuning{
			ProbeTimeoutSeconds: 5,
			SlackTimeoutSeconds: 10,
		},
		Reporting: ReportingTuning{
			FlapThreshold:      3,
			FlapWindowSeconds:  300,
			QuietPeriodSeconds: 600,
			MaxReasonsTracked:  5,
		},
	}
}

func setTuningDefaults(v *viper.Viper) {
	defaults := defaultTuning()

	v.SetDefault("controller.tick_interval_seconds", defaults.Controller.TickIntervalSeconds)
	v.SetDefault("controller.lock_delay_seconds", defaults.Controller.LockDelaySeconds)
	v.SetDefault("controller.call_timeout_seconds", defaults.Controller.CallTimeoutSeconds)
	v.SetDefault("controller.session_retry_backoff_seconds", defaults.Controller.SessionRetryBackoffSeconds)
	v.SetDefault("controller.registration_settle_seconds", defaults.Controller.RegistrationSettleSeconds)

	v.SetDefault("http.probe_timeout_seconds", defaults.HTTP.ProbeTimeoutSeconds)
	v.SetDefault("http.slack_timeout_seconds", defaults.HTTP.SlackTimeoutSeconds)

	v.SetDefault("reporting.flap_threshold", defaults.Reporting.FlapThreshold)
	v.SetDefault("reporting.flap_window_seconds", defaults.Reporting.FlapWindowSeconds)
	v.SetDefault("reporting.quiet_period_seconds", defaults.Reporting.QuietPeriodSeconds)
	v.SetDefault("reporting.max_reasons_tracked", defaults.Reporting.MaxReasonsTracked)
}

// LoadTuning loads tuning.yaml from ./configs, . or /etc/consul-failover,
// falling back to defaults when no such file is found. It uses a separate viper instance so tuning keys never
// collide with the main configuration.
func LoadTuning() (*TuningConfig, error) {
	return LoadTuningWithFile("")
}

// LoadTuningWithFile is LoadTuning with an explicit file path, used by
// tests.
func LoadTuningWithFile(path string) (*TuningConfig, error) {
	v := viper.New()
	setTuningDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tuning")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/consul-failover")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read tuning config: %w", err)
		}
	}

	var tuning TuningConfig
	if err := v.Unmarshal(&tuning); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tuning config: %w", err)
	}

	return &tuning, nil
}
