// Package config loads the agentpayd configuration from a JSON or YAML file
// and AGENTPAY_-prefixed environment variables, then fills defaults.
package config
