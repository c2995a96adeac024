// Package config loads the connector's configuration: an embedded JSON
// default, optionally overridden by a file, in turn overridden by a
// small set of operationally sensitive environment variables. This
// three-layer shape follows the teacher's cmd/main.go loadConfig /
// expandEnvVars / applyEnvOverrides, generalized from the teacher's
// WebSocket+NATS fields to the connector's listeners, peer transport,
// and control socket (spec.md §6).
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
)

// Listener is one TCP listening socket (spec.md §6).
type Listener struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ServerConfig covers the listening sockets and the acceptor's gate.
type ServerConfig struct {
	Listeners  []Listener `json:"listeners"`
	ProxyMode  bool       `json:"proxyMode"`  // spec.md §6: default port 3334 instead of 3333
	MaxClients int        `json:"maxClients"` // spec.md §4.2 accept gate; 0 = unbounded
	Backlog    int        `json:"backlog"`    // spec.md §6: 8192
	BindRetries int       `json:"bindRetries"`
	BindRetryWaitSeconds int `json:"bindRetryWaitSeconds"`
	// InheritFDs lists fds handed down by a supervisor across a hot
	// restart, populated from CONNECTOR_INHERIT_FDS (SPEC_FULL.md "Hot
	// restart listener inheritance"). Index i corresponds to
	// Listeners[i] when present.
	InheritFDs []int `json:"-"`
}

// PeerConfig selects and configures the stratifier/generator transport
// (SPEC_FULL.md "Peer transport").
type PeerConfig struct {
	Transport string `json:"transport"` // "unixgram" (default) or "nats"

	StratifierSock string `json:"stratifierSock"`
	GeneratorSock  string `json:"generatorSock"`

	NATSUrl             string `json:"natsUrl"`
	NATSMaxReconnects   int    `json:"natsMaxReconnects"`
	NATSReconnectWaitMS int    `json:"natsReconnectWaitMs"`
}

// ControlConfig covers the control-command endpoint (spec.md §4.4).
type ControlConfig struct {
	SocketPath  string `json:"socketPath"`
	RequireAuth bool   `json:"requireAuth"`
	JWTSecret   string `json:"jwtSecret"`
}

// AdminConfig covers the optional observability surface
// (SPEC_FULL.md "Admin / observability surface"). Empty Listen disables
// it.
type AdminConfig struct {
	Listen         string `json:"listen"`
	UpdateInterval int    `json:"updateIntervalSeconds"`
}

// Config is the connector's full configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Peer    PeerConfig    `json:"peer"`
	Control ControlConfig `json:"control"`
	Admin   AdminConfig   `json:"admin"`
}

const defaultConfigJSON = `{
  "server": {
    "listeners": [{"host": "0.0.0.0", "port": 3333}],
    "proxyMode": false,
    "maxClients": 0,
    "backlog": 8192,
    "bindRetries": 25,
    "bindRetryWaitSeconds": 5
  },
  "peer": {
    "transport": "unixgram",
    "stratifierSock": "/run/connectord/stratifier.sock",
    "generatorSock": "/run/connectord/generator.sock",
    "natsUrl": "nats://127.0.0.1:4222",
    "natsMaxReconnects": 10,
    "natsReconnectWaitMs": 1000
  },
  "control": {
    "socketPath": "/run/connectord/control.sock",
    "requireAuth": false,
    "jwtSecret": ""
  },
  "admin": {
    "listen": "",
    "updateIntervalSeconds": 2
  }
}`

// Load reads configuration from path, or from the embedded default when
// path is empty, expands ${VAR} references via the environment, then
// applies the explicit environment-variable overrides below (spec.md §6
// and §1's "configuration parsing" being an out-of-scope collaborator
// does not mean the connector cannot honor a handful of operational
// env vars the way the teacher's applyEnvOverrides does).
func Load(path string) (*Config, error) {
	var raw []byte
	var err error

	if path != "" {
		raw, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		raw = []byte(defaultConfigJSON)
	}

	raw = []byte(os.ExpandEnv(string(raw)))

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	cfg.Server.InheritFDs = parseInheritFDs(os.Getenv("CONNECTOR_INHERIT_FDS"))

	// Unconfigured listeners take the mode's default port: a config file
	// that lists none gets one wildcard listener, and the embedded
	// default's single listener follows ProxyMode.
	if len(cfg.Server.Listeners) == 0 {
		cfg.Server.Listeners = []Listener{{Host: "0.0.0.0", Port: DefaultPort(cfg.Server.ProxyMode)}}
	} else if path == "" {
		cfg.Server.Listeners[0].Port = DefaultPort(cfg.Server.ProxyMode)
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONNECTOR_PROXY_MODE"); v != "" {
		cfg.Server.ProxyMode = v == "true"
	}
	if v := os.Getenv("CONNECTOR_MAX_CLIENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.MaxClients = n
		}
	}
	if v := os.Getenv("CONNECTOR_PEER_TRANSPORT"); v != "" {
		cfg.Peer.Transport = v
	}
	if v := os.Getenv("CONNECTOR_NATS_URL"); v != "" {
		cfg.Peer.NATSUrl = v
	}
	if v := os.Getenv("CONNECTOR_CONTROL_SOCKET"); v != "" {
		cfg.Control.SocketPath = v
	}
	if v := os.Getenv("CONNECTOR_CONTROL_JWT_SECRET"); v != "" {
		cfg.Control.JWTSecret = v
		cfg.Control.RequireAuth = true
	}
	if v := os.Getenv("CONNECTOR_ADMIN_LISTEN"); v != "" {
		cfg.Admin.Listen = v
	}
}

func parseInheritFDs(v string) []int {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	fds := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if n, err := strconv.Atoi(p); err == nil {
			fds = append(fds, n)
		}
	}
	return fds
}

// DefaultPort returns the spec.md §6 default listening port for the
// configured mode when no listener is explicitly set.
func DefaultPort(proxyMode bool) int {
	if proxyMode {
		return 3334
	}
	return 3333
}
