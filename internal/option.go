package internal

import "github.com/emberhearth/embersync/internal/source"

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config *Config
	gate   source.Gate
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithGate overrides the permission-status collaborator. The default checks
// file readability; platform integrations and tests substitute their own.
func WithGate(g source.Gate) Option {
	return func(a *application) {
		a.gate = g
	}
}
