// Package config provides centralized configuration management for the
// AgentPay runtime. It loads the daemon configuration file, applies sane
// defaults, and resolves the paths of the agent roster and chain endpoint
// definitions consumed by the directory and ledger packages.
package config
