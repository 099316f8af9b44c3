package main

import (
	"github.com/kardianos/service"
	"github.com/stone-age-io/taskservice/internal/agent"
	"github.com/stone-age-io/taskservice/internal/config"
)

// newServiceConfig describes the OS service from the service section of
// the configuration. The agent is started with the same configuration file
// it was installed with.
func newServiceConfig(svc config.ServiceConfig, configPath string) *service.Config {
	cfg := &service.Config{
		Name:        svc.Name,
		DisplayName: svc.DisplayName,
		Description: svc.Description,
		Arguments:   []string{"--config", configPath},
	}

	// Windows and systemd restart options
	cfg.Option = service.KeyValue{
		"StartType": "automatic",
		"Restart":   "on-failure",
	}

	return cfg
}

// program adapts the agent to the service manager
type program struct {
	configPath string
	version    string
	agent      *agent.Agent
}

// Start must not block; the service manager waits for it to return
func (p *program) Start(s service.Service) error {
	a, err := agent.New(p.configPath, p.version)
	if err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		a.Shutdown()
		return err
	}
	p.agent = a
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.agent == nil {
		return nil
	}
	return p.agent.Shutdown()
}
