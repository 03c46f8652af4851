package am

import (
	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/cadence/errors"
)

const redacted = "********"

// Redacted returns a copy with credentials masked
func (c *Config) Redacted() Config {
	out := *c
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&out.Database.DSN)
	mask(&out.Scheduler.Lease.RedisPassword)
	mask(&out.Notify.SMS.AuthToken)
	mask(&out.Notify.Chat.WebhookURL)
	mask(&out.Notify.Email.Password)

	if len(c.Workers.Sources) > 0 {
		out.Workers.Sources = make(map[string]SourceConfig, len(c.Workers.Sources))
		for name, src := range c.Workers.Sources {
			out.Workers.Sources[name] = src
		}
	}
	return out
}

// MarshalRedactedTOML renders the effective configuration for `cadence config show`
func (c *Config) MarshalRedactedTOML() ([]byte, error) {
	r := c.Redacted()
	out, err := toml.Marshal(&r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to render config")
	}
	return out, nil
}
