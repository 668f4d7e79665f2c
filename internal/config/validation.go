package config

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError describes a single invalid configuration field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Validate checks the configuration invariants that must hold before the
// gateway can start. All violations are collected so operators see the full
// list at once instead of fixing them one restart at a time.
func (c *Config) Validate() error {
	var errs []error

	if c.IdP.AppID == "" {
		errs = append(errs, &ValidationError{Field: "idp.app_id", Reason: "required (IDP_APP_ID)"})
	}
	if c.IdP.AppSecret == "" {
		errs = append(errs, &ValidationError{Field: "idp.app_secret", Reason: "required (IDP_APP_SECRET)"})
	}
	if c.IdP.RedirectURI == "" {
		errs = append(errs, &ValidationError{Field: "idp.redirect_uri", Reason: "required (IDP_REDIRECT_URI)"})
	} else if !strings.HasPrefix(c.IdP.RedirectURI, "http") {
		errs = append(errs, &ValidationError{Field: "idp.redirect_uri", Reason: "must begin with http"})
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{Field: "server.port", Reason: "must be in 1..65535"})
	}
	if c.Worker.BasePort <= 0 || c.Worker.BasePort > 65535 {
		errs = append(errs, &ValidationError{Field: "worker.base_port", Reason: "must be in 1..65535"})
	}
	if c.Worker.DefaultPort <= 0 || c.Worker.DefaultPort > 65535 {
		errs = append(errs, &ValidationError{Field: "worker.default_port", Reason: "must be in 1..65535"})
	}
	if c.Worker.BasePort == c.Server.Port {
		errs = append(errs, &ValidationError{Field: "worker.base_port", Reason: "must differ from the gateway port"})
	}
	if c.Worker.DefaultPort == c.Server.Port {
		errs = append(errs, &ValidationError{Field: "worker.default_port", Reason: "must differ from the gateway port"})
	}
	if c.Worker.PortWindow <= 0 {
		errs = append(errs, &ValidationError{Field: "worker.port_window", Reason: "must be positive"})
	}
	if c.Worker.MaxInstances <= 0 {
		errs = append(errs, &ValidationError{Field: "worker.max_instances", Reason: "must be positive"})
	}
	if c.Worker.IdleTimeoutMS <= 0 {
		errs = append(errs, &ValidationError{Field: "worker.idle_timeout_ms", Reason: "must be positive"})
	}
	if c.Worker.BinaryPath == "" {
		errs = append(errs, &ValidationError{Field: "worker.binary_path", Reason: "required"})
	}

	if c.Sessions.MaxSessions <= 0 {
		errs = append(errs, &ValidationError{Field: "sessions.max_sessions", Reason: "must be positive"})
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, &ValidationError{Field: "storage.data_dir", Reason: "required"})
	}

	return errors.Join(errs...)
}
