package config

import (
	"runtime"
)

// PlatformDefaults are the per-OS default locations
type PlatformDefaults struct {
	LogFile     string
	OptionsFile string
	ConfigPath  string
	ExporterURL string
}

// GetPlatformDefaults returns platform-specific defaults based on runtime.GOOS
func GetPlatformDefaults() PlatformDefaults {
	switch runtime.GOOS {
	case "windows":
		return PlatformDefaults{
			LogFile:     `C:\ProgramData\TaskService\taskservice.log`,
			OptionsFile: `C:\ProgramData\TaskService\options.json`,
			ConfigPath:  `C:\ProgramData\TaskService\config.yaml`,
			ExporterURL: "http://localhost:9182/metrics", // windows_exporter
		}
	case "darwin":
		return PlatformDefaults{
			LogFile:     "/Library/Logs/TaskService/taskservice.log",
			OptionsFile: "/Library/Application Support/TaskService/options.json",
			ConfigPath:  "/Library/Application Support/TaskService/config.yaml",
			ExporterURL: "http://localhost:9100/metrics",
		}
	case "freebsd":
		return PlatformDefaults{
			LogFile:     "/var/log/taskservice/taskservice.log",
			OptionsFile: "/var/db/taskservice/options.json",
			ConfigPath:  "/usr/local/etc/taskservice/config.yaml",
			ExporterURL: "http://localhost:9100/metrics", // node_exporter
		}
	default:
		return PlatformDefaults{
			LogFile:     "/var/log/taskservice/taskservice.log",
			OptionsFile: "/var/lib/taskservice/options.json",
			ConfigPath:  "/etc/taskservice/config.yaml",
			ExporterURL: "http://localhost:9100/metrics", // node_exporter
		}
	}
}

// GetDefaultConfigPath returns the platform-specific default config path
func GetDefaultConfigPath() string {
	return GetPlatformDefaults().ConfigPath
}

// defaultSetter is the part of viper used for defaults
type defaultSetter interface {
	SetDefault(key string, value any)
}

// UpdateConfigDefaults sets the platform-specific defaults
func UpdateConfigDefaults(v defaultSetter) {
	defaults := GetPlatformDefaults()
	v.SetDefault("tasks.metrics.exporter_url", defaults.ExporterURL)
	v.SetDefault("store.file", defaults.OptionsFile)
	v.SetDefault("logging.file", defaults.LogFile)
}
