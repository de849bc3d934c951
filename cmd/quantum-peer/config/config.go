// Package config loads the quantum-peer demo binary's YAML configuration.
package config

// Config is the top-level configuration for the quantum-peer demo.
type Config struct {
	Endpoint EndpointConfig `yaml:"Endpoint"`
	Log      LogConfig      `yaml:"Log"`
	Metrics  MetricsConfig  `yaml:"Metrics"`
}

// EndpointConfig addresses the local socket and the remote peer it
// exchanges frames with.
type EndpointConfig struct {
	ListenAddr string `yaml:"ListenAddr"`
	PeerAddr   string `yaml:"PeerAddr"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `yaml:"Level"`  // debug, info, warn, error
	Format string `yaml:"Format"` // json, console
}

// MetricsConfig controls the Prometheus /metrics HTTP server.
type MetricsConfig struct {
	Enable bool   `yaml:"Enable"`
	Host   string `yaml:"Host"`
	Port   int    `yaml:"Port"`
	Path   string `yaml:"Path"`
}

// DefaultConfig returns the configuration used when no config file is
// present.
func DefaultConfig() *Config {
	return &Config{
		Endpoint: EndpointConfig{
			ListenAddr: "0.0.0.0:9700",
			PeerAddr:   "127.0.0.1:9701",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enable: true,
			Host:   "0.0.0.0",
			Port:   9801,
			Path:   "/metrics",
		},
	}
}
