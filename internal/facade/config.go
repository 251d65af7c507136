package facade

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ardentsec/cryptocore/internal/group"
)

// Config is the on-disk policy configuration a deployment can tune without
// recompiling: sender-key rekey thresholds and the per-sender replay
// window size, following the teacher's own `*Store.Configure(path, ...)` /
// YAML config-file idiom.
type Config struct {
	Group struct {
		RekeyOnMemberAdd bool          `yaml:"rekeyOnMemberAdd"`
		MaxMessages      uint64        `yaml:"maxMessages"`
		MaxAge           time.Duration `yaml:"maxAge"`
		ReplayWindowSize int           `yaml:"replayWindowSize"`
	} `yaml:"group"`
}

// LoadConfig reads and parses a YAML policy file. Every read error,
// including a missing file, is returned; a zero Config yields
// group.DefaultPolicy.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) groupPolicy() group.Policy {
	policy := group.DefaultPolicy()
	if c.Group.MaxMessages > 0 {
		policy.MaxMessages = c.Group.MaxMessages
	}
	if c.Group.MaxAge > 0 {
		policy.MaxAge = c.Group.MaxAge
	}
	if c.Group.ReplayWindowSize > 0 {
		policy.ReplayWindowSize = c.Group.ReplayWindowSize
	}
	policy.RekeyOnMemberAdd = c.Group.RekeyOnMemberAdd
	return policy
}
