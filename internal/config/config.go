// Package config loads and watches the login proxy's YAML configuration.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the login proxy.
type Config struct {
	Listen       ListenConfig     `yaml:"listen"`
	UserDB       UserDBConfig     `yaml:"user_database"`
	SendRemoteIP bool             `yaml:"send_remote_ip"`
	Knock        KnockConfig      `yaml:"knock"`
	Accounting   AccountingConfig `yaml:"accounting"`
	GameServers  []GameServer     `yaml:"game_servers"`
}

// ListenConfig defines the ports and bind addresses the proxy listens on.
type ListenConfig struct {
	Port    int    `yaml:"port"`
	APIPort int    `yaml:"api_port"`
	APIBind string `yaml:"api_bind"`
}

// UserDBConfig describes where the credential store lives and how it is kept fresh.
type UserDBConfig struct {
	Path       string `yaml:"path"`
	AutoReload bool   `yaml:"auto_reload"`
}

// KnockConfig controls the UDP knock listener and the firewall set it programs.
type KnockConfig struct {
	Port     int    `yaml:"port"`
	Required bool   `yaml:"required"`
	NftSet   string `yaml:"nft_set"`
}

// AccountingConfig controls per-client rate limiting.
type AccountingConfig struct {
	MaxConnectionsPerClient int  `yaml:"max_connections_per_client"`
	Tarpit                  bool `yaml:"tarpit"`
}

// GameServer is one upstream UO server clients can be routed to.
type GameServer struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port dial address for this server.
func (g GameServer) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// Redacted returns a copy of the config with nothing sensitive to mask today,
// but kept for parity with the admin API's config-dump endpoint and to give
// future secret fields (e.g. an nft set access token) one place to redact.
func (c Config) Redacted() Config {
	return c
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 2593
	}
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Knock.Port == 0 {
		cfg.Knock.Port = cfg.Listen.Port + 1
	}
	if cfg.Accounting.MaxConnectionsPerClient == 0 {
		cfg.Accounting.MaxConnectionsPerClient = 8
	}
}

func validate(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.GameServers))
	for _, gs := range cfg.GameServers {
		if gs.Name == "" {
			return fmt.Errorf("game server entry missing name")
		}
		if seen[gs.Name] {
			return fmt.Errorf("game server %q: duplicate name", gs.Name)
		}
		seen[gs.Name] = true
		if gs.Host == "" {
			return fmt.Errorf("game server %q: host is required", gs.Name)
		}
		if gs.Port == 0 {
			return fmt.Errorf("game server %q: port is required", gs.Name)
		}
	}
	if cfg.Knock.Required && cfg.Knock.NftSet == "" {
		return fmt.Errorf("knock.required is set but knock.nft_set is empty")
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with the new config.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}

	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
