// Package config loads the runtime's single text configuration document
// (§6: sections paths/network/logging/services/storages) from JSON.
//
// The spec lists "the configuration loader" among the external
// collaborators out of scope for implementation text, but a runnable
// cocained binary still needs *some* concrete loader to read a file into
// the node's settings, the same way the teacher's
// cmd/flowersec-proxy-gateway/config.go turns a JSON file on disk into a
// validated config struct (same shape: os.ReadFile, a size guard,
// json.Unmarshal, then field-by-field validation/defaulting). This package
// plays that role for cocained's richer document instead of the gateway's
// single listen/origin/routes shape.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// maxConfigBytes guards against an accidentally enormous config file being
// read into memory whole, mirroring the teacher's 1 MiB config size guard.
const maxConfigBytes = 1 << 20

// Paths is the "paths" section.
type Paths struct {
	Runtime string `json:"runtime"`
	Plugins string `json:"plugins"`
}

// Ports is the "network.ports" subsection.
type Ports struct {
	Pinned []int `json:"pinned"`
	Shared [2]int `json:"shared"`
}

// Network is the "network" section.
type Network struct {
	Endpoint string `json:"endpoint"`
	Hostname string `json:"hostname"`
	Pool     int    `json:"pool"`
	Ports    Ports  `json:"ports"`
}

// ServiceSpec is one entry of the "services" section: a named actor backed
// by a plugin type and opaque arguments.
type ServiceSpec struct {
	Type string                 `json:"type"`
	Args map[string]interface{} `json:"args"`
}

// StorageSpec is one entry of the "storages" section.
type StorageSpec struct {
	Type string                 `json:"type"`
	Args map[string]interface{} `json:"args"`
}

// Logging is the "logging" section: a list of logger sinks by name/type,
// left as dynamic args since the concrete logging pipeline is an external
// collaborator.
type Logging struct {
	Loggers []struct {
		Type string                 `json:"type"`
		Args map[string]interface{} `json:"args"`
	} `json:"loggers"`
}

// ClusterPeer is one statically configured remote node for the cluster
// plugin to mesh with.
type ClusterPeer struct {
	UUID     string `json:"uuid"`
	Endpoint string `json:"endpoint"`
}

// Cluster is the "cluster" section: the default cluster plugin's static
// peer list (spec §4.8's "predefined list with periodic reconnect"
// variant). Both Peers and Listen are optional independently -- a node can
// dial out, accept inbound, both, or neither.
type Cluster struct {
	SelfUUID    string        `json:"self_uuid"`
	Listen      string        `json:"listen"`
	ReconnectMS int           `json:"reconnect_ms"`
	Peers       []ClusterPeer `json:"peers"`
}

// Config is the parsed, validated configuration document.
type Config struct {
	Paths    Paths                  `json:"paths"`
	Network  Network                `json:"network"`
	Logging  Logging                `json:"logging"`
	Cluster  Cluster                `json:"cluster"`
	Services map[string]ServiceSpec `json:"services"`
	Storages map[string]StorageSpec `json:"storages"`
}

// Load reads and validates the configuration document at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(b) > maxConfigBytes {
		return nil, fmt.Errorf("config: file exceeds %d bytes", maxConfigBytes)
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.applyDefaultsAndValidate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaultsAndValidate() error {
	c.Paths.Runtime = strings.TrimSpace(c.Paths.Runtime)
	if c.Paths.Runtime == "" {
		return fmt.Errorf("config: missing paths.runtime")
	}
	c.Network.Endpoint = strings.TrimSpace(c.Network.Endpoint)
	if c.Network.Endpoint == "" {
		return fmt.Errorf("config: missing network.endpoint")
	}
	if c.Network.Pool <= 0 {
		c.Network.Pool = 1
	}
	if c.Network.Ports.Shared[1] != 0 && c.Network.Ports.Shared[1] < c.Network.Ports.Shared[0] {
		return fmt.Errorf("config: network.ports.shared range is backwards")
	}
	if c.Cluster.ReconnectMS <= 0 {
		c.Cluster.ReconnectMS = 2000
	}
	for i, p := range c.Cluster.Peers {
		if strings.TrimSpace(p.UUID) == "" || strings.TrimSpace(p.Endpoint) == "" {
			return fmt.Errorf("config: cluster.peers[%d] missing uuid or endpoint", i)
		}
	}
	for name, svc := range c.Services {
		if strings.TrimSpace(svc.Type) == "" {
			return fmt.Errorf("config: services.%s missing type", name)
		}
	}
	for name, st := range c.Storages {
		if strings.TrimSpace(st.Type) == "" {
			return fmt.Errorf("config: storages.%s missing type", name)
		}
	}
	return nil
}
