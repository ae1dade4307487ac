// Package config holds the recognized configuration surface shape and
// the mtime-cached hot-reload mechanism the Request Router requires.
// Generic config loading (where the file lives, how the process is
// started) is an external concern; this package only implements the
// specific reload-on-change behavior the Router depends on.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/lilacbridge/lilac-core/pkg/logger"
)

// GateConfig is surface.router.activeGate.
type GateConfig struct {
	Enabled   bool `yaml:"enabled"`
	TimeoutMs int  `yaml:"timeoutMs"`
}

// SessionModeConfig is one entry of surface.router.sessionModes.
type SessionModeConfig struct {
	Mode              string   `yaml:"mode,omitempty"`
	Gate              *bool    `yaml:"gate,omitempty"`
	Model             string   `yaml:"model,omitempty"`
	AdditionalPrompts []string `yaml:"additionalPrompts,omitempty"`
}

// RouterConfig is surface.router.*.
type RouterConfig struct {
	DefaultMode      string                       `yaml:"defaultMode"`
	SessionModes     map[string]SessionModeConfig `yaml:"sessionModes"`
	ActiveDebounceMs int                          `yaml:"activeDebounceMs"`
	ActiveGate       GateConfig                   `yaml:"activeGate"`
	// ReloadCron is an optional cron expression that forces a full config
	// reload on a schedule in addition to the mandatory mtime check, useful
	// when config is mounted from a volume whose mtime updates lag the
	// actual write.
	ReloadCron string `yaml:"reloadCron,omitempty"`
}

// DiscordSurfaceConfig is surface.discord.*.
type DiscordSurfaceConfig struct {
	BotName              string   `yaml:"botName"`
	AllowedChannelIDs    []string `yaml:"allowedChannelIds"`
	MentionNotifications bool     `yaml:"mentionNotifications"`
}

// SurfaceConfig groups the per-surface and router sections.
type SurfaceConfig struct {
	Discord DiscordSurfaceConfig `yaml:"discord"`
	Router  RouterConfig         `yaml:"router"`
}

// ModelSlot is one of models.main / models.fast.
type ModelSlot struct {
	Model   string                 `yaml:"model"`
	Options map[string]interface{} `yaml:"options,omitempty"`
}

// ModelsConfig is models.*.
type ModelsConfig struct {
	Main ModelSlot `yaml:"main"`
	Fast ModelSlot `yaml:"fast"`
}

// UserAlias resolves entity.users[alias].
type UserAlias struct {
	Discord string `yaml:"discord"`
}

// EntityConfig is entity.*.
type EntityConfig struct {
	Users map[string]UserAlias `yaml:"users"`
}

// Secrets is the environment-variable overlay, API keys never live in the
// checked-in YAML file.
type Secrets struct {
	AnthropicAPIKey string `env:"LILAC_ANTHROPIC_API_KEY"`
	OpenAIAPIKey    string `env:"LILAC_OPENAI_API_KEY"`
}

// Config is the full recognized configuration surface.
type Config struct {
	Surface SurfaceConfig `yaml:"surface"`
	Models  ModelsConfig  `yaml:"models"`
	Entity  EntityConfig  `yaml:"entity"`
	Secrets Secrets       `yaml:"-"`
}

// SessionMode resolves the effective mode for a session id, falling back
// to surface.router.defaultMode when the session has no explicit entry.
func (c *Config) SessionMode(sessionID string) string {
	if sm, ok := c.Surface.Router.SessionModes[sessionID]; ok && sm.Mode != "" {
		return sm.Mode
	}
	if c.Surface.Router.DefaultMode != "" {
		return c.Surface.Router.DefaultMode
	}
	return "mention"
}

// GateEnabled resolves whether the gate is enabled for a session,
// respecting a per-session override over the global activeGate.enabled.
func (c *Config) GateEnabled(sessionID string) bool {
	if sm, ok := c.Surface.Router.SessionModes[sessionID]; ok && sm.Gate != nil {
		return *sm.Gate
	}
	return c.Surface.Router.ActiveGate.Enabled
}

// ResolveAlias maps entity.users[alias].discord back to an alias name, or
// "" if the discord id is not aliased.
func (c *Config) ResolveAlias(discordUserID string) string {
	for alias, u := range c.Entity.Users {
		if u.Discord == discordUserID {
			return alias
		}
	}
	return ""
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	var secrets Secrets
	if err := env.Parse(&secrets); err != nil {
		return nil, fmt.Errorf("parsing config env overlay: %w", err)
	}
	cfg.Secrets = secrets

	return cfg, nil
}

// Manager caches a loaded Config by the source file's mtime and, on
// failure, retains the last-known-good config with a rate-limited warning
// rather than propagating the load error to callers.
type Manager struct {
	mu          sync.RWMutex
	path        string
	cfg         *Config
	modTime     time.Time
	lastCronRun time.Time
	cronExpr    *gronx.Gronx
	limiter     *logger.RateLimiter
}

func NewManager(path string, initial *Config) *Manager {
	return &Manager{
		path:        path,
		cfg:         initial,
		lastCronRun: time.Now(),
		cronExpr:    gronx.New(),
		limiter:     logger.NewRateLimiter(30 * time.Second),
	}
}

// Current returns the last-known-good config without touching disk.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// ReloadIfNeeded re-reads the config file when its mtime has advanced, or
// when the optional reloadCron schedule is due. On read/parse failure the
// last-known-good config is kept and a rate-limited warning is logged;
// the call never returns an error that should cause the caller to stop
// routing. It always returns a usable Config.
func (m *Manager) ReloadIfNeeded() *Config {
	m.mu.RLock()
	path := m.path
	known := m.modTime
	cronExpr := ""
	if m.cfg != nil {
		cronExpr = m.cfg.Surface.Router.ReloadCron
	}
	m.mu.RUnlock()

	if path == "" {
		return m.Current()
	}

	info, err := os.Stat(path)
	if err != nil {
		m.warnOnce("stat", err)
		return m.Current()
	}

	due := info.ModTime().After(known)
	if !due && cronExpr != "" {
		due = m.cronDue(cronExpr)
	}
	if !due {
		return m.Current()
	}

	cfg, err := Load(path)
	if err != nil {
		m.warnOnce("load", err)
		return m.Current()
	}

	m.mu.Lock()
	m.cfg = cfg
	m.modTime = info.ModTime()
	m.mu.Unlock()

	logger.InfoCF("config", "reloaded configuration", map[string]interface{}{"path": path})
	return cfg
}

func (m *Manager) cronDue(expr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	due, err := m.cronExpr.IsDue(expr, time.Now())
	if err != nil {
		return false
	}
	if due {
		m.lastCronRun = time.Now()
	}
	return due
}

func (m *Manager) warnOnce(phase string, err error) {
	if m.limiter.Allow(phase) {
		logger.WarnCF("config", "reload failed, retaining last-known-good config",
			map[string]interface{}{"phase": phase, "error": err.Error()})
	}
}
