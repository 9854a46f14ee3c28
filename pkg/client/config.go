// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"strconv"
)

// Config locates the bus endpoint.
type Config struct {
	Host  string `koanf:"host" json:"host" yaml:"host"`
	Port  int    `koanf:"port" json:"port" yaml:"port"`
	Route string `koanf:"route" json:"route" yaml:"route"`
	SSL   bool   `koanf:"ssl" json:"ssl" yaml:"ssl"`
}

// DefaultConfig returns the core bus endpoint on the local host.
func DefaultConfig() Config {
	return Config{
		Host:  "0.0.0.0",
		Port:  8181,
		Route: "/core",
		SSL:   false,
	}
}

// URL returns the websocket URL for c.
func (c Config) URL() string {
	return BuildURL(c.Host, c.Port, c.Route, c.SSL)
}

// BuildURL formats a ws:// or wss:// URL.
func BuildURL(host string, port int, route string, ssl bool) string {
	scheme := "ws"
	if ssl {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%s%s", scheme, host, strconv.Itoa(port), route)
}
