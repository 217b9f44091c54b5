// Package svc installs and runs doipmux as a system service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// RunFunc runs the sessions of one config file until ctx is done.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface around a RunFunc.
type Program struct {
	ConfigPath string
	Run        RunFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

// Start is called when the service starts. It must not block.
func (p *Program) Start(service.Service) error {
	if p.Run == nil {
		return fmt.Errorf("run function not configured")
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)

	go func() {
		err := p.Run(p.ctx, p.ConfigPath)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("sessions stopped")
		}
		p.done <- err
	}()
	return nil
}

// Stop cancels the sessions and waits for them to finish.
func (p *Program) Stop(service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		err := <-p.done
		p.done = nil
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// ServiceConfig holds configuration for service installation.
type ServiceConfig struct {
	Name        string
	DisplayName string
	Description string
	ConfigPath  string
	UserName    string // Linux/macOS only
	Discover    bool   // Run with --discover
}

// DefaultServiceName is the service name used when none is given.
const DefaultServiceName = "doipmux"

// DefaultConfig returns the service configuration for name.
func DefaultConfig(name string) *ServiceConfig {
	if name == "" {
		name = DefaultServiceName
	}
	return &ServiceConfig{
		Name:        name,
		DisplayName: "doipmux diagnostic sessions",
		Description: "Runs addressed diagnostic sessions against vehicle gateways over IP",
		ConfigPath:  DefaultConfigPath(),
	}
}

// DefaultConfigPath returns the default config file path for the platform.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "doipmux", "doipmux.yaml")
	}
	return "/etc/doipmux/doipmux.yaml"
}

// Arguments returns the command line the service manager starts.
func (c *ServiceConfig) Arguments() []string {
	args := []string{"service", "run", "--name", c.Name, "--config", c.ConfigPath}
	if c.Discover {
		args = append(args, "--discover")
	}
	return args
}

// NewServiceConfig creates a service.Config from cfg.
func NewServiceConfig(cfg *ServiceConfig) *service.Config {
	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   cfg.Arguments(),
	}

	switch runtime.GOOS {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		svcCfg.UserName = cfg.UserName
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		svcCfg.UserName = cfg.UserName
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}
	return svcCfg
}

// New creates a service for prg. prg may be nil for control operations.
func New(prg *Program, cfg *ServiceConfig) (service.Service, error) {
	if prg == nil {
		prg = &Program{ConfigPath: cfg.ConfigPath}
	}
	s, err := service.New(prg, NewServiceConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install installs the service. An existing installation is replaced
// only when force is set.
func Install(cfg *ServiceConfig, force bool) error {
	s, err := New(nil, cfg)
	if err != nil {
		return err
	}

	status, err := s.Status()
	if err == nil {
		switch status {
		case service.StatusRunning:
			if !force {
				return fmt.Errorf("service %q is running; stop it first or use --force", cfg.Name)
			}
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
			if err := s.Uninstall(); err != nil {
				log.Warn().Err(err).Msg("failed to uninstall service")
			}
		case service.StatusStopped:
			if !force {
				return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.Name)
			}
			if err := s.Uninstall(); err != nil {
				log.Warn().Err(err).Msg("failed to uninstall service")
			}
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops the service if it is running and removes it.
func Uninstall(cfg *ServiceConfig) error {
	s, err := New(nil, cfg)
	if err != nil {
		return err
	}

	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control runs one of service.ControlAction ("start", "stop", "restart",
// "install", "uninstall") without the install safety checks.
func Control(cfg *ServiceConfig, action string) error {
	s, err := New(nil, cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status.
func Status(cfg *ServiceConfig) (service.Status, error) {
	s, err := New(nil, cfg)
	if err != nil {
		return service.StatusUnknown, err
	}
	return s.Status()
}

// StatusString returns a human-readable status string.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run runs prg under the service manager, or in the foreground when
// started interactively.
func Run(prg *Program, cfg *ServiceConfig) error {
	s, err := New(prg, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges checks for the privileges service management needs.
func CheckPrivileges() error {
	if runtime.GOOS == "windows" {
		// Install reports a clearer error than any check here.
		return nil
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}
