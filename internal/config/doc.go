// Package config provides centralized configuration management for the MCR
// agent runtime, covering the API server, the case backend gateway, workflow
// limits, run persistence and queuing, inbound authentication, logging and
// alerting. Credential material is referenced by environment variable name
// only and never stored in configuration files.
package config
