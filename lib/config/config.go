// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Lease store backends.
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config is the whole switchboard configuration. The supervisor, the
// worker and the CLI all read the same file.
type Config struct {
	Environment Environment `yaml:"environment"`

	Log         LogConfig         `yaml:"log"`
	LeaseStore  LeaseStoreConfig  `yaml:"lease_store"`
	LiveKit     LiveKitConfig     `yaml:"livekit"`
	Supervisor  SupervisorConfig  `yaml:"supervisor"`
	Worker      WorkerConfig      `yaml:"worker"`
	Rules       RulesConfig       `yaml:"rules"`
	Silence     SilenceConfig     `yaml:"silence"`
	Handoff     HandoffConfig     `yaml:"handoff"`
	SIP         SIPConfig         `yaml:"sip"`
	LLM         LLMConfig         `yaml:"llm"`
	RAG         RAGConfig         `yaml:"rag"`
	Transcripts TranscriptsConfig `yaml:"transcripts"`
	Bridge      BridgeConfig      `yaml:"bridge"`

	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides are applied when Environment matches their section.
type ConfigOverrides struct {
	Log        *LogConfig        `yaml:"log,omitempty"`
	LeaseStore *LeaseStoreConfig `yaml:"lease_store,omitempty"`
}

// LogConfig selects the slog level: debug, info, warn or error.
type LogConfig struct {
	Level string `yaml:"level"`
}

// NewLogger returns a JSON logger writing to w at the configured level.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// LeaseTiming is the TTL and renewal period of one kind of lease.
type LeaseTiming struct {
	TTL           time.Duration `yaml:"ttl"`
	RenewInterval time.Duration `yaml:"renew_interval"`
}

// LeaseStoreConfig selects the shared store leases live in. Every
// supervisor and worker that coordinates on a room must use the same
// store.
type LeaseStoreConfig struct {
	// Backend is "redis" or "sqlite". SQLite only coordinates processes
	// on one host.
	Backend string `yaml:"backend"`

	Redis RedisConfig `yaml:"redis"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `yaml:"sqlite_path"`
}

// RedisConfig addresses the Redis lease store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LiveKitConfig configures the room directory and SIP dial-out.
type LiveKitConfig struct {
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`

	// RoomPrefix selects the rooms this deployment manages.
	RoomPrefix string `yaml:"room_prefix"`

	// ListTimeout bounds one room listing call.
	ListTimeout time.Duration `yaml:"list_timeout"`

	Trunk TrunkConfig `yaml:"trunk"`
}

// TrunkConfig describes the outbound SIP trunk used to reach operators.
// The trunk is looked up by Address and created when missing.
type TrunkConfig struct {
	Address  string   `yaml:"address"`
	Numbers  []string `yaml:"numbers"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
}

// SupervisorConfig configures the per-host supervisor.
type SupervisorConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`

	// RemovalGrace is how long a room must stay absent from the
	// directory before its worker is terminated.
	RemovalGrace time.Duration `yaml:"removal_grace"`

	LaunchLock LeaseTiming `yaml:"launch_lock"`

	OrphanScanInterval time.Duration `yaml:"orphan_scan_interval"`

	// CapacityWarning logs a warning when more workers than this are
	// tracked.
	CapacityWarning int `yaml:"capacity_warning"`

	// WorkerBinary is resolved in BinDir first, then PATH.
	WorkerBinary string   `yaml:"worker_binary"`
	WorkerArgs   []string `yaml:"worker_args"`
	BinDir       string   `yaml:"bin_dir"`

	StrayKillAttempts  int           `yaml:"stray_kill_attempts"`
	StrayKillInterval  time.Duration `yaml:"stray_kill_interval"`
	StrayWait          time.Duration `yaml:"stray_wait"`
	StrayCheckInterval time.Duration `yaml:"stray_check_interval"`

	// TerminateGrace is the SIGTERM to SIGKILL escalation delay.
	TerminateGrace time.Duration `yaml:"terminate_grace"`

	// MetricsAddr serves Prometheus metrics when non-empty.
	MetricsAddr string `yaml:"metrics_addr"`
}

// WorkerConfig configures one room worker.
type WorkerConfig struct {
	AgentName string `yaml:"agent_name"`

	Owner   LeaseTiming `yaml:"owner"`
	Speaker LeaseTiming `yaml:"speaker"`

	// SpeakingLockTTL bounds one utterance.
	SpeakingLockTTL time.Duration `yaml:"speaking_lock_ttl"`

	CycleInterval time.Duration `yaml:"cycle_interval"`

	// ReadyFallback transfers this long after the required fields are
	// complete even if the caller never confirms.
	ReadyFallback time.Duration `yaml:"ready_fallback"`

	// WakePhrases, together with AgentName, let the caller address the
	// agent while it is silent after a transfer.
	WakePhrases []string `yaml:"wake_phrases"`

	// CallTimeout bounds each external call made during a cycle.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// RulesConfig locates the routing rules file.
type RulesConfig struct {
	Path string `yaml:"path"`

	// VerifySpam confirms a spam keyword hit with the classifier
	// before ending the call.
	VerifySpam bool `yaml:"verify_spam"`
}

// SilenceConfig lists escalating check-ins. Prompt i is spoken after
// Intervals[i] without caller speech; the last one ends the call.
type SilenceConfig struct {
	Intervals []time.Duration `yaml:"intervals"`
	Prompts   []string        `yaml:"prompts"`
}

// HandoffConfig configures the transfer to a human operator.
type HandoffConfig struct {
	OperatorExtension string        `yaml:"operator_extension"`
	AnnouncePause     time.Duration `yaml:"announce_pause"`

	// DialTimeout bounds the request that places the operator leg.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	PollInterval time.Duration `yaml:"poll_interval"`
	PollAttempts int           `yaml:"poll_attempts"`

	// HoldEvery speaks a hold message on every HoldEvery-th poll.
	HoldEvery    int      `yaml:"hold_every"`
	HoldMessages []string `yaml:"hold_messages"`

	// Settle is the pause between registration and delivery.
	Settle           time.Duration `yaml:"settle"`
	DeliveryAttempts int           `yaml:"delivery_attempts"`
	DeliveryBackoff  time.Duration `yaml:"delivery_backoff"`
}

// SIPConfig configures SIP MESSAGE delivery.
type SIPConfig struct {
	FromUser  string        `yaml:"from_user"`
	ChunkSize int           `yaml:"chunk_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// LLMConfig addresses an OpenAI-compatible chat completions endpoint.
type LLMConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// RAGConfig addresses the document search service.
type RAGConfig struct {
	URL        string        `yaml:"url"`
	Collection string        `yaml:"collection"`
	TopK       int           `yaml:"top_k"`
	Timeout    time.Duration `yaml:"timeout"`
}

// TranscriptsConfig selects where call records go. Either or both may
// be set; with neither, records are only logged.
type TranscriptsConfig struct {
	Mongo MongoConfig `yaml:"mongo"`
	Spool SpoolConfig `yaml:"spool"`
}

// MongoConfig addresses the transcript collection.
type MongoConfig struct {
	URI        string        `yaml:"uri"`
	Database   string        `yaml:"database"`
	Collection string        `yaml:"collection"`
	Timeout    time.Duration `yaml:"timeout"`
}

// SpoolConfig configures the local transcript spool. Files are
// encrypted to AgeRecipients when any are listed.
type SpoolConfig struct {
	Dir           string   `yaml:"dir"`
	AgeRecipients []string `yaml:"age_recipients"`
}

// BridgeConfig addresses the speech pipeline. URL may contain {room},
// which is replaced with the worker's room.
type BridgeConfig struct {
	URL              string        `yaml:"url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// Default returns the base configuration the file is merged into.
func Default() *Config {
	return &Config{
		Environment: Development,
		Log:         LogConfig{Level: "info"},
		LeaseStore: LeaseStoreConfig{
			Backend: BackendRedis,
			Redis:   RedisConfig{Addr: "localhost:6379"},
		},
		LiveKit: LiveKitConfig{
			RoomPrefix:  "room1-",
			ListTimeout: 10 * time.Second,
		},
		Supervisor: SupervisorConfig{
			PollInterval:       4 * time.Second,
			RemovalGrace:       8 * time.Second,
			LaunchLock:         LeaseTiming{TTL: 15 * time.Second, RenewInterval: 5 * time.Second},
			OrphanScanInterval: 5 * time.Second,
			CapacityWarning:    10,
			WorkerBinary:       "switchboard-worker",
			StrayKillAttempts:  10,
			StrayKillInterval:  500 * time.Millisecond,
			StrayWait:          2 * time.Second,
			StrayCheckInterval: 100 * time.Millisecond,
			TerminateGrace:     5 * time.Second,
		},
		Worker: WorkerConfig{
			AgentName:       "nathan",
			Owner:           LeaseTiming{TTL: 120 * time.Second, RenewInterval: 30 * time.Second},
			Speaker:         LeaseTiming{TTL: 60 * time.Second, RenewInterval: 15 * time.Second},
			SpeakingLockTTL: 10 * time.Second,
			CycleInterval:   5 * time.Second,
			ReadyFallback:   10 * time.Second,
			WakePhrases:     []string{"hey reception"},
			CallTimeout:     30 * time.Second,
		},
		Silence: SilenceConfig{
			Intervals: []time.Duration{20 * time.Second, 30 * time.Second, 45 * time.Second, 60 * time.Second},
			Prompts: []string{
				"Just checking, are you still there?",
				"If you need more time, just let me know.",
				"I'll stay on the line a bit longer if you need more time.",
				"It seems we've lost connection. I'll end the call now, but please call back if you need further assistance.",
			},
		},
		Handoff: HandoffConfig{
			OperatorExtension: "4000",
			AnnouncePause:     2 * time.Second,
			DialTimeout:       30 * time.Second,
			PollInterval:      2 * time.Second,
			PollAttempts:      15,
			HoldEvery:         4,
			HoldMessages: []string{
				"We are connecting you now, please hold.",
				"Trying to reach an executive for you.",
				"Thank you for your patience, we're connecting your call.",
				"Please stay on the line, we're finding someone for you.",
			},
			Settle:           3 * time.Second,
			DeliveryAttempts: 3,
			DeliveryBackoff:  2 * time.Second,
		},
		SIP: SIPConfig{
			FromUser:  "1000",
			ChunkSize: 400,
			Timeout:   5 * time.Second,
		},
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			APIKey:  "${OPENAI_API_KEY}",
			Model:   "gpt-4o-mini",
			Timeout: 30 * time.Second,
		},
		RAG: RAGConfig{
			TopK:    3,
			Timeout: 5 * time.Second,
		},
		Transcripts: TranscriptsConfig{
			Mongo: MongoConfig{
				Database:   "towing_services",
				Collection: "towing_services_transcripts_logs",
				Timeout:    10 * time.Second,
			},
		},
		Bridge: BridgeConfig{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Load loads the file named by SWITCHBOARD_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv("SWITCHBOARD_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("SWITCHBOARD_CONFIG environment variable not set; " +
			"set it to the path of your switchboard.yaml, or use --config")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path over Default. The result is
// not validated; call Validate.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Log != nil && overrides.Log.Level != "" {
		c.Log.Level = overrides.Log.Level
	}
	if store := overrides.LeaseStore; store != nil {
		if store.Backend != "" {
			c.LeaseStore.Backend = store.Backend
		}
		if store.Redis.Addr != "" {
			c.LeaseStore.Redis = store.Redis
		}
		if store.SQLitePath != "" {
			c.LeaseStore.SQLitePath = store.SQLitePath
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} in fields that
// carry credentials or addresses.
func (c *Config) expandVariables() {
	fields := []*string{
		&c.LeaseStore.Redis.Addr,
		&c.LeaseStore.Redis.Password,
		&c.LeaseStore.SQLitePath,
		&c.LiveKit.URL,
		&c.LiveKit.APIKey,
		&c.LiveKit.APISecret,
		&c.LiveKit.Trunk.Address,
		&c.LiveKit.Trunk.Username,
		&c.LiveKit.Trunk.Password,
		&c.LLM.BaseURL,
		&c.LLM.APIKey,
		&c.RAG.URL,
		&c.Transcripts.Mongo.URI,
		&c.Transcripts.Spool.Dir,
		&c.Bridge.URL,
		&c.Supervisor.BinDir,
		&c.Rules.Path,
	}
	for _, field := range fields {
		*field = expandVars(*field)
	}
	for i, recipient := range c.Transcripts.Spool.AgeRecipients {
		c.Transcripts.Spool.AgeRecipients[i] = expandVars(recipient)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} with the environment value, or with the
// default after :- when the variable is unset or empty.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !slices.Contains([]Environment{Development, Staging, Production}, c.Environment) {
		fail("invalid environment: %s", c.Environment)
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		fail("log.level must be one of debug, info, warn, error")
	}

	switch c.LeaseStore.Backend {
	case BackendRedis:
		if c.LeaseStore.Redis.Addr == "" {
			fail("lease_store.redis.addr is required for the redis backend")
		}
	case BackendSQLite:
		if c.LeaseStore.SQLitePath == "" {
			fail("lease_store.sqlite_path is required for the sqlite backend")
		}
	default:
		fail("lease_store.backend must be %q or %q, got %q", BackendRedis, BackendSQLite, c.LeaseStore.Backend)
	}

	if c.LiveKit.RoomPrefix == "" {
		fail("livekit.room_prefix is required")
	}

	checkLease := func(name string, timing LeaseTiming) {
		if timing.TTL <= 0 {
			fail("%s.ttl must be positive", name)
			return
		}
		if timing.RenewInterval <= 0 || timing.RenewInterval > timing.TTL/2 {
			fail("%s.renew_interval %v must be positive and at most half of ttl %v", name, timing.RenewInterval, timing.TTL)
		}
	}
	checkLease("supervisor.launch_lock", c.Supervisor.LaunchLock)
	checkLease("worker.owner", c.Worker.Owner)
	checkLease("worker.speaker", c.Worker.Speaker)

	positive := map[string]time.Duration{
		"supervisor.poll_interval":        c.Supervisor.PollInterval,
		"supervisor.orphan_scan_interval": c.Supervisor.OrphanScanInterval,
		"supervisor.stray_kill_interval":  c.Supervisor.StrayKillInterval,
		"supervisor.stray_check_interval": c.Supervisor.StrayCheckInterval,
		"worker.speaking_lock_ttl":        c.Worker.SpeakingLockTTL,
		"worker.cycle_interval":           c.Worker.CycleInterval,
		"worker.call_timeout":             c.Worker.CallTimeout,
		"handoff.poll_interval":           c.Handoff.PollInterval,
		"handoff.dial_timeout":            c.Handoff.DialTimeout,
		"sip.timeout":                     c.SIP.Timeout,
		"llm.timeout":                     c.LLM.Timeout,
	}
	for name, value := range positive {
		if value <= 0 {
			fail("%s must be positive", name)
		}
	}
	if c.Supervisor.RemovalGrace < 0 || c.Worker.ReadyFallback < 0 {
		fail("supervisor.removal_grace and worker.ready_fallback must not be negative")
	}
	if c.Supervisor.WorkerBinary == "" {
		fail("supervisor.worker_binary is required")
	}

	if len(c.Silence.Intervals) != len(c.Silence.Prompts) {
		fail("silence: %d intervals but %d prompts; each interval needs a prompt",
			len(c.Silence.Intervals), len(c.Silence.Prompts))
	}
	if !slices.IsSorted(c.Silence.Intervals) {
		fail("silence.intervals must be increasing")
	}

	if c.Handoff.OperatorExtension == "" {
		fail("handoff.operator_extension is required")
	}
	if c.Handoff.PollAttempts <= 0 || c.Handoff.DeliveryAttempts <= 0 {
		fail("handoff.poll_attempts and handoff.delivery_attempts must be positive")
	}
	if c.Handoff.HoldEvery <= 0 || len(c.Handoff.HoldMessages) == 0 {
		fail("handoff.hold_every must be positive and hold_messages non-empty")
	}
	if c.SIP.ChunkSize <= 0 {
		fail("sip.chunk_size must be positive")
	}
	if c.RAG.URL != "" && c.RAG.Collection == "" {
		fail("rag.collection is required when rag.url is set")
	}

	return errors.Join(errs...)
}

// WorkerBinaryPath resolves Supervisor.WorkerBinary, looking in BinDir
// before PATH.
func (c *Config) WorkerBinaryPath() (string, error) {
	name := c.Supervisor.WorkerBinary
	if filepath.IsAbs(name) {
		return name, nil
	}
	if c.Supervisor.BinDir != "" {
		binPath := filepath.Join(c.Supervisor.BinDir, name)
		if _, err := os.Stat(binPath); err == nil {
			return binPath, nil
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		if c.Supervisor.BinDir != "" {
			return "", fmt.Errorf("%s not found in %s or PATH", name, c.Supervisor.BinDir)
		}
		return "", fmt.Errorf("%s not found in PATH", name)
	}
	return path, nil
}
