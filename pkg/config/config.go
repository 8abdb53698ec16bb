// SPDX-License-Identifier: AGPL-3.0-or-later

/*

PromptChain - a local-first orchestrator for multi-stage LLM prompt pipelines.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package config defines PromptChain's process-level invocation config
// (default run root, provider defaults) and loads .env into the process
// environment before provider credentials are resolved.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound is returned by LoadFile when the given path does not
// exist. Unlike a pipeline file, the process config is optional — callers
// that just want defaults should use Load, which treats a missing file
// as "use defaults" rather than an error.
var ErrConfigNotFound = errors.New("promptchain config not found")

// DefaultRunRoot is where runs/ live when no config overrides it.
const DefaultRunRoot = "runs"

// Config is PromptChain's process-level invocation config, distinct from
// a pipeline definition: where runs are stored, an Ollama host, and the
// Run Index database URL, loaded once per CLI invocation. OllamaHost is
// parsed from ollama_host but nothing reads it; the ollama adapter takes
// its address from the OLLAMA_HOST environment variable.
type Config struct {
	RunRoot     string `yaml:"run_root,omitempty"`
	OllamaHost  string `yaml:"ollama_host,omitempty"`
	DatabaseURL string `yaml:"database_url,omitempty"`
}

// DefaultConfigPath returns the default config path for the current
// working directory.
func DefaultConfigPath() string {
	return "promptchain.yml"
}

// Exists reports whether a config file exists at the given path. It
// returns (false, nil) if the file does not exist.
func Exists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		return !info.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// LoadFile reads and validates the config at path, returning
// ErrConfigNotFound if it does not exist.
func LoadFile(path string) (*Config, error) {
	exists, err := Exists(path)
	if err != nil {
		return nil, fmt.Errorf("checking config existence: %w", err)
	}
	if !exists {
		return nil, ErrConfigNotFound
	}

	// nolint:gosec // G304: reading config file from user-specified path is expected behavior
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Load behaves like LoadFile but treats a missing file as "use defaults"
// rather than an error — the process config is entirely optional, unlike
// a pipeline definition, which must exist for `promptchain run` to do
// anything at all.
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if errors.Is(err, ErrConfigNotFound) {
		cfg = &Config{}
		applyDefaults(cfg)
		return cfg, nil
	}
	return cfg, err
}

func applyDefaults(cfg *Config) {
	if cfg.RunRoot == "" {
		cfg.RunRoot = DefaultRunRoot
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
}

// LoadDotEnv reads a .env-style file (KEY=VALUE per line, '#' comments,
// optional surrounding quotes) and applies each entry to the process
// environment via os.Setenv, skipping keys already set so real
// environment variables always win over the file. It is a no-op,
// returning nil, if path does not exist — .env is opportunistic, not
// required. No ecosystem .env-parsing library appears anywhere in the
// donor corpus, so this stays on bufio.Scanner rather than reaching for
// one.
func LoadDotEnv(path string) error {
	// nolint:gosec // G304: reading a .env file from a caller-controlled path is expected behavior
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}
		if _, set := os.LookupEnv(key); set {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("setting %s from .env: %w", key, err)
		}
	}
	return scanner.Err()
}
