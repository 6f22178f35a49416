// Package config loads the postconfirm configuration from a TOML file,
// applies defaults and validates the result.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full daemon configuration.
type Config struct {
	// MilterPort is the TCP port the milter server listens on.
	MilterPort int `toml:"milter_port"`

	// KeyFile holds the HMAC key for challenge tokens. Required.
	KeyFile string `toml:"key_file"`

	// MailTemplate overrides the built-in challenge mail body.
	MailTemplate string `toml:"mail_template"`

	// AdminAddress is mentioned in challenge mails as a human contact.
	AdminAddress string `toml:"admin_address"`

	// ConfirmLog is an append-only file recording confirmed senders.
	ConfirmLog string `toml:"confirm_log"`

	BulkRegex          string `toml:"bulk_regex"`
	AutoSubmittedRegex string `toml:"auto_submitted_regex"`
	ResendConfirmation bool   `toml:"resend_confirmation"`

	SMTP  SMTP  `toml:"smtp"`
	DB    DB    `toml:"db"`
	Purge Purge `toml:"purge"`

	// QueryChallenge lists external databases that contribute challenge
	// rules, consulted after the internal table, in file order.
	QueryChallenge []QueryChallenge `toml:"query_challenge"`
}

// SMTP configures the relay used for challenge mail and stash release.
type SMTP struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Helo     string `toml:"helo"`
	Sender   string `toml:"sender"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

// DB configures the internal sender and stash database.
type DB struct {
	Driver   string `toml:"driver"`
	Name     string `toml:"name"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
}

// DSN builds the driver-specific connection string.
func (d DB) DSN() string {
	switch d.Driver {
	case "postgres":
		dsn := fmt.Sprintf("dbname=%s sslmode=disable", d.Name)
		if d.User != "" {
			dsn += " user=" + d.User
		}
		if d.Password != "" {
			dsn += " password=" + d.Password
		}
		if d.Host != "" {
			dsn += " host=" + d.Host
		}
		if d.Port != 0 {
			dsn += fmt.Sprintf(" port=%d", d.Port)
		}
		return dsn
	default:
		return d.Name
	}
}

// Purge controls how long unconfirmed stash entries are kept.
type Purge struct {
	TTLDays int `toml:"ttl_days"`
}

// TTL returns the stash retention as a duration.
func (p Purge) TTL() time.Duration {
	return time.Duration(p.TTLDays) * 24 * time.Hour
}

// QueryChallenge is one external challenge rule source. ActionQuery gets
// the recipient's local part and domain as $1 and $2 and returns rows of
// (address, action); PatternQuery returns rows of (pattern, action).
type QueryChallenge struct {
	Name         string `toml:"name"`
	Driver       string `toml:"driver"`
	DSN          string `toml:"dsn"`
	ActionQuery  string `toml:"action_query"`
	PatternQuery string `toml:"pattern_query"`
}

// Default returns the configuration used when the file leaves a setting
// out.
func Default() Config {
	return Config{
		MilterPort:         1999,
		BulkRegex:          `(junk|list|bulk|auto_reply)`,
		AutoSubmittedRegex: `^auto-`,
		ResendConfirmation: true,
		SMTP: SMTP{
			Host: "localhost",
			Port: 25,
		},
		DB: DB{
			Driver: "sqlite3",
			Name:   "postconfirm.sqlite3",
		},
		Purge: Purge{
			TTLDays: 30,
		},
	}
}

// Load reads path into a Config on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings which would otherwise only fail at an
// inconvenient time, like the first challenge mail.
func (c Config) Validate() error {
	if c.KeyFile == "" {
		return fmt.Errorf("key_file is required")
	}
	if c.MilterPort < 1 || c.MilterPort > 65535 {
		return fmt.Errorf("milter_port %d out of range", c.MilterPort)
	}
	if _, err := regexp.Compile(c.BulkRegex); err != nil {
		return fmt.Errorf("bulk_regex: %w", err)
	}
	if _, err := regexp.Compile(c.AutoSubmittedRegex); err != nil {
		return fmt.Errorf("auto_submitted_regex: %w", err)
	}
	switch c.DB.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported db driver %q", c.DB.Driver)
	}
	for _, q := range c.QueryChallenge {
		if q.Name == "" {
			return fmt.Errorf("query_challenge entries need a name")
		}
		if q.Driver != "sqlite3" && q.Driver != "postgres" {
			return fmt.Errorf("query_challenge %q: unsupported driver %q", q.Name, q.Driver)
		}
		if q.ActionQuery == "" && q.PatternQuery == "" {
			return fmt.Errorf("query_challenge %q: needs action_query or pattern_query", q.Name)
		}
	}
	return nil
}
