// Package config provides the configuration for the lldebug host and console.
//
// Configuration is resolved in layers, later layers overriding earlier ones:
//
//	┌─────────────────────────────┐
//	│  4. Command Line Flags      │  ← Highest priority (applied by cmd/)
//	├─────────────────────────────┤
//	│  3. Environment Variables   │  ← LLDEBUG_HOST, LLDEBUG_PORT, ...
//	├─────────────────────────────┤
//	│  2. Config File             │  ← lldebug.toml or lldebug.yaml
//	├─────────────────────────────┤
//	│  1. Built-in Defaults       │  ← localhost:51123
//	└─────────────────────────────┘
//
// # Basic Usage
//
//	cfg, err := config.Load("lldebug.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	addr := cfg.Remote.Address()
//
// The file format is chosen by extension: ".toml" files are decoded with
// go-toml, ".yaml" and ".yml" files with yaml.v3.
package config
