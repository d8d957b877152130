package config

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Recipient is one entry of the static demo directory.
type Recipient struct {
	ID     string   `mapstructure:"id"`
	Roles  []string `mapstructure:"roles"`
	Active bool     `mapstructure:"active"`
}

type Config struct {
	Addr       string        `mapstructure:"addr"`
	DBPath     string        `mapstructure:"db_path"`
	Poll       time.Duration `mapstructure:"poll"`
	LeaseTTL   time.Duration `mapstructure:"lease_ttl"`
	Node       string        `mapstructure:"node"`
	Recipients []Recipient   `mapstructure:"recipients"`
}

// Load reads an optional YAML config file over the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetDefault("addr", ":8080")
	v.SetDefault("db_path", "pushflow.db")
	v.SetDefault("poll", "5s")
	v.SetDefault("lease_ttl", "60s")
	v.SetDefault("node", "pushflow-1")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// StaticDirectory serves the audience directory from config-file recipients.
// Production deployments back this interface with the user service instead.
type StaticDirectory struct {
	recipients []Recipient
}

func NewStaticDirectory(recipients []Recipient) *StaticDirectory {
	return &StaticDirectory{recipients: recipients}
}

func (d *StaticDirectory) ActiveRecipients(ctx context.Context) ([]string, error) {
	var ids []string
	for _, r := range d.recipients {
		if r.Active {
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

func (d *StaticDirectory) ActiveRecipientsByRole(ctx context.Context, roleIDs []string) ([]string, error) {
	want := make(map[string]struct{}, len(roleIDs))
	for _, r := range roleIDs {
		want[r] = struct{}{}
	}
	var ids []string
	for _, r := range d.recipients {
		if !r.Active {
			continue
		}
		for _, role := range r.Roles {
			if _, ok := want[role]; ok {
				ids = append(ids, r.ID)
				break
			}
		}
	}
	return ids, nil
}
