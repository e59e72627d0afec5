package homeassistant

import (
	"log/slog"

	"github.com/ff-fab/lumehaven/internal/adapter"
	"github.com/ff-fab/lumehaven/internal/adapterregistry"
	"github.com/ff-fab/lumehaven/internal/lumeerr"
)

func init() {
	adapterregistry.Register("homeassistant", build)
}

func build(cfg adapterregistry.Config, logger *slog.Logger) (adapter.Adapter, error) {
	if cfg.URL == "" {
		return nil, &lumeerr.ConfigError{Detail: "homeassistant adapter " + cfg.Name + " requires a url"}
	}
	if cfg.Token == "" {
		return nil, &lumeerr.ConfigError{Detail: "homeassistant adapter " + cfg.Name + " requires a token"}
	}
	return New(Config{
		Name:   cfg.Name,
		Prefix: cfg.Prefix,
		URL:    cfg.URL,
		Token:  cfg.Token,
		Logger: logger,
	}), nil
}
