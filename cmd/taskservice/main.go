package main

import (
	"fmt"
	"os"

	"github.com/kardianos/service"
	"github.com/spf13/pflag"
	"github.com/stone-age-io/taskservice/internal/agent"
	"github.com/stone-age-io/taskservice/internal/config"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	configPath := pflag.StringP("config", "c", config.GetDefaultConfigPath(), "path to the configuration file")
	control := pflag.String("service", "", "service control action: install, uninstall, start, stop, restart")
	showVersion := pflag.BoolP("version", "v", false, "print the version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if err := run(*configPath, *control); err != nil {
		fmt.Fprintf(os.Stderr, "taskservice: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, control string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	prg := &program{configPath: configPath, version: version}
	svc, err := service.New(prg, newServiceConfig(cfg.Service, configPath))
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	if control != "" {
		if err := service.Control(svc, control); err != nil {
			return fmt.Errorf("service %s failed (valid actions: %v): %w", control, service.ControlAction, err)
		}
		fmt.Printf("service %s: ok\n", control)
		return nil
	}

	// In a terminal the agent handles its own signals
	if service.Interactive() {
		a, err := agent.New(configPath, version)
		if err != nil {
			return err
		}
		return a.Run()
	}

	return svc.Run()
}
