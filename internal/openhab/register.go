package openhab

import (
	"log/slog"

	"github.com/ff-fab/lumehaven/internal/adapter"
	"github.com/ff-fab/lumehaven/internal/adapterregistry"
	"github.com/ff-fab/lumehaven/internal/lumeerr"
)

func init() {
	adapterregistry.Register("openhab", build)
}

func build(cfg adapterregistry.Config, logger *slog.Logger) (adapter.Adapter, error) {
	if cfg.URL == "" {
		return nil, &lumeerr.ConfigError{Detail: "openhab adapter " + cfg.Name + " requires a url"}
	}
	return New(Config{
		Name:   cfg.Name,
		Prefix: cfg.Prefix,
		URL:    cfg.URL,
		Tag:    cfg.Tag,
		Token:  cfg.Token,
		Logger: logger,
	}), nil
}
