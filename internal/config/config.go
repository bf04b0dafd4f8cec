package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Phase is the point in the deployment at which a command runs
type Phase string

const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
)

// Phases lists the valid command phases
var Phases = []Phase{PhasePre, PhasePost}

// Location is where a command runs
type Location string

const (
	LocationLocal  Location = "local"
	LocationTarget Location = "target"
)

// Locations lists the valid command locations
var Locations = []Location{LocationLocal, LocationTarget}

// Server types understood by the bundled deployment providers
const (
	TypeRsync = "rsync"
	TypeLocal = "local"
)

// DefaultFile is looked up in the working directory
const DefaultFile = "beam.yml"

// Config represents the complete beam configuration
type Config struct {
	Servers  map[string]Server `yaml:"servers"`
	Commands []Command         `yaml:"commands"`
	Exclude  []string          `yaml:"exclude"`
}

// Server describes a named deployment target
type Server struct {
	ID       string `yaml:"-"`
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	User     string `yaml:"user"`
	Port     int    `yaml:"port"`
	Webroot  string `yaml:"webroot"`
	Branch   string `yaml:"branch"`
	Checksum bool   `yaml:"checksum"`
	Delete   bool   `yaml:"delete"`
	Compress bool   `yaml:"compress"`
}

// Locked reports whether deployments to the server are pinned to one branch
func (s Server) Locked() bool {
	return s.Branch != ""
}

// Command is an operator-defined shell hook
type Command struct {
	Command  string   `yaml:"command"`
	Phase    Phase    `yaml:"phase"`
	Location Location `yaml:"location"`
	Required bool     `yaml:"required"`
	Tag      string   `yaml:"tag"`
	Servers  []string `yaml:"servers"`
}

// AppliesTo reports whether the command is scoped to the given server id.
// An empty server list makes the command eligible for every server.
func (c Command) AppliesTo(serverID string) bool {
	if len(c.Servers) == 0 {
		return true
	}
	for _, id := range c.Servers {
		if id == serverID {
			return true
		}
	}
	return false
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes, defaults and validates a YAML configuration document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	for id, srv := range c.Servers {
		srv.Host = os.ExpandEnv(srv.Host)
		srv.User = os.ExpandEnv(srv.User)
		srv.Webroot = os.ExpandEnv(srv.Webroot)
		srv.Branch = os.ExpandEnv(srv.Branch)
		c.Servers[id] = srv
	}
	for i := range c.Commands {
		c.Commands[i].Command = os.ExpandEnv(c.Commands[i].Command)
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	for id, srv := range c.Servers {
		srv.ID = id
		if srv.Type == "" {
			srv.Type = TypeRsync
		}
		srv.Branch = strings.TrimSpace(srv.Branch)
		c.Servers[id] = srv
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("at least one server is required")
	}

	for _, id := range c.ServerIDs() {
		srv := c.Servers[id]
		if srv.Webroot == "" {
			return fmt.Errorf("servers.%s.webroot is required", id)
		}
		if err := OneOf(fmt.Sprintf("servers.%s.type", id), srv.Type, []string{TypeRsync, TypeLocal}); err != nil {
			return err
		}
		if srv.Type == TypeLocal && !filepath.IsAbs(srv.Webroot) {
			return fmt.Errorf("servers.%s.webroot must be an absolute path for local servers: %s", id, srv.Webroot)
		}
		if srv.Port < 0 || srv.Port > 65535 {
			return fmt.Errorf("servers.%s.port out of range: %d", id, srv.Port)
		}
	}

	for i, cmd := range c.Commands {
		field := fmt.Sprintf("commands[%d]", i)
		if strings.TrimSpace(cmd.Command) == "" {
			return fmt.Errorf("%s.command is required", field)
		}
		if err := OneOf(field+".phase", cmd.Phase, Phases); err != nil {
			return err
		}
		if err := OneOf(field+".location", cmd.Location, Locations); err != nil {
			return err
		}
		for _, id := range cmd.Servers {
			if err := OneOf(field+".servers", id, c.ServerIDs()); err != nil {
				return err
			}
		}
	}

	return nil
}

// ServerIDs returns the configured server ids in sorted order
func (c *Config) ServerIDs() []string {
	ids := make([]string, 0, len(c.Servers))
	for id := range c.Servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasTargetCommands returns true if any command runs on the target
func (c *Config) HasTargetCommands() bool {
	for _, cmd := range c.Commands {
		if cmd.Location == LocationTarget {
			return true
		}
	}
	return false
}
