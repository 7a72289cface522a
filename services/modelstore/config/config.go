// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the model server configuration.
//
// Values are layered in this order, later layers winning:
//
//  1. Built-in defaults (Default)
//  2. A YAML or JSON file; a missing file is not an error
//  3. MODELSERVER_* environment variables
//
// The result is validated before it is returned.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianModelServer/pkg/logging"
	"github.com/AleutianAI/AleutianModelServer/services/modelstore/engine"
	"github.com/AleutianAI/AleutianModelServer/services/modelstore/storage/badger"
	"github.com/AleutianAI/AleutianModelServer/services/modelstore/telemetry"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Environment variable names.
const (
	EnvDBPath             = "MODELSERVER_DB_PATH"
	EnvInMemory           = "MODELSERVER_IN_MEMORY"
	EnvSyncWrites         = "MODELSERVER_SYNC_WRITES"
	EnvGCInterval         = "MODELSERVER_GC_INTERVAL"
	EnvSchema             = "MODELSERVER_SCHEMA"
	EnvMaxStackDepth      = "MODELSERVER_MAX_STACK_DEPTH"
	EnvMaxFramesProcessed = "MODELSERVER_MAX_FRAMES_PROCESSED"
	EnvDumpFrames         = "MODELSERVER_DUMP_FRAMES"
	EnvBatchConcurrency   = "MODELSERVER_BATCH_CONCURRENCY"
	EnvBatchRate          = "MODELSERVER_BATCH_RATE"
	EnvLogLevel           = "MODELSERVER_LOG_LEVEL"
	EnvLogDir             = "MODELSERVER_LOG_DIR"
	EnvLogJSON            = "MODELSERVER_LOG_JSON"
)

var validate = validator.New()

// Config is the complete model server configuration.
type Config struct {
	// Store configures the BadgerDB instance holding objects and revisions.
	Store badger.Config `yaml:"store" json:"store"`

	// Schema is the path of the YAML type registry.
	Schema string `yaml:"schema" json:"schema" validate:"required"`

	// Limits are the traversal ceilings applied to every query.
	Limits engine.Limits `yaml:"limits" json:"limits"`

	// BatchConcurrency bounds how many queries of a batch run at once.
	BatchConcurrency int `yaml:"batch_concurrency" json:"batch_concurrency" validate:"gte=1,lte=256"`

	// BatchRate caps how many batch queries start per second. Zero means
	// no cap.
	BatchRate float64 `yaml:"batch_rate" json:"batch_rate" validate:"gte=0"`

	// BatchBurst is the number of batch queries that may start at once
	// under BatchRate.
	BatchBurst int `yaml:"batch_burst" json:"batch_burst" validate:"gte=0"`

	// Logging configures the process logger.
	Logging logging.Config `yaml:"logging" json:"logging"`

	// Telemetry configures tracing and metrics export.
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`
}

// Default returns the built-in configuration: an on-disk store under
// ./data/modelstore, schema.yaml in the working directory, the reference
// traversal ceilings and info logging.
func Default() Config {
	store := badger.DefaultConfig()
	store.Path = "./data/modelstore"

	return Config{
		Store:            store,
		Schema:           "schema.yaml",
		Limits:           engine.DefaultLimits(),
		BatchConcurrency: 4,
		BatchBurst:       4,
		Logging: logging.Config{
			Level:   logging.LevelInfo,
			Service: "modelserver",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load builds a Config from defaults, the file at path and the environment.
//
// Description:
//
//	An empty path skips the file layer. A path that does not exist is
//	treated the same way, so a fresh checkout runs on defaults. The file
//	is parsed as YAML first and JSON second.
//
// Inputs:
//
//	path - Config file location. May be empty.
//
// Outputs:
//
//	Config - The merged, validated configuration.
//	error - A read or parse failure, or ErrInvalidConfig.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := loadConfigFromEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

// loadConfigFromEnv applies MODELSERVER_* overrides. Unlike unset variables,
// a set variable that does not parse is an error.
func loadConfigFromEnv(cfg *Config) error {
	var errs []error

	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv(EnvInMemory); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvInMemory, err))
		} else {
			cfg.Store.InMemory = b
		}
	}
	if v := os.Getenv(EnvSyncWrites); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvSyncWrites, err))
		} else {
			cfg.Store.SyncWrites = b
		}
	}
	if v := os.Getenv(EnvGCInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvGCInterval, err))
		} else {
			cfg.Store.GCInterval = d
		}
	}
	if v := os.Getenv(EnvSchema); v != "" {
		cfg.Schema = v
	}

	if v := os.Getenv(EnvMaxStackDepth); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvMaxStackDepth, err))
		} else {
			cfg.Limits.MaxStackDepth = i
		}
	}
	if v := os.Getenv(EnvMaxFramesProcessed); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvMaxFramesProcessed, err))
		} else {
			cfg.Limits.MaxFramesProcessed = i
		}
	}
	if v := os.Getenv(EnvDumpFrames); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvDumpFrames, err))
		} else {
			cfg.Limits.DumpFrames = i
		}
	}
	if v := os.Getenv(EnvBatchConcurrency); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvBatchConcurrency, err))
		} else {
			cfg.BatchConcurrency = i
		}
	}
	if v := os.Getenv(EnvBatchRate); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvBatchRate, err))
		} else {
			cfg.BatchRate = f
		}
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvLogDir); v != "" {
		cfg.Logging.LogDir = v
	}
	if v := os.Getenv(EnvLogJSON); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvLogJSON, err))
		} else {
			cfg.Logging.JSON = b
		}
	}

	return errors.Join(errs...)
}

// Validate checks field constraints and the rules that span fields.
//
// Outputs:
//
//	error - Nil, or an error wrapping ErrInvalidConfig that lists every
//	        violation found.
func (c Config) Validate() error {
	var problems []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	if !c.Store.InMemory && strings.TrimSpace(c.Store.Path) == "" {
		problems = append(problems, "store.path is required unless store.in_memory is set")
	}
	if c.Store.GCInterval < 0 {
		problems = append(problems, "store.gc_interval must not be negative")
	}
	if c.Store.GCInterval > 0 && (c.Store.GCDiscardRatio <= 0 || c.Store.GCDiscardRatio >= 1) {
		problems = append(problems, "store.gc_discard_ratio must be in (0, 1) when gc is enabled")
	}
	if c.Store.NumVersionsToKeep < 1 {
		problems = append(problems, "store.num_versions_to_keep must be at least 1")
	}
	if c.Limits.DumpFrames > c.Limits.MaxStackDepth+1 {
		problems = append(problems, "limits.dump_frames must not exceed limits.max_stack_depth + 1")
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
}
