// Package config selects the deployment mode from the ENVIRONMENT variable and
// resolves the launch configuration for it (bind address, worker count, reload,
// log verbosity, access log). The mode profile can be refined by a .env file,
// a YAML file and CLI flags with precedence: CLI flags > YAML config >
// Environment variables > Mode profile.
package config
