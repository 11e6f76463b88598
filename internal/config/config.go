// Copyright 2025 RXinDexer Developers
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Debug   DebugConfig   `yaml:"debug"`
	Api     ApiConfig     `yaml:"api"`
	Node    NodeConfig    `yaml:"node"`
	Sync    SyncConfig    `yaml:"sync"`
	Storage StorageConfig `yaml:"storage"`
}

type LoggingConfig struct {
	Level string `yaml:"level" envconfig:"LOGGING_LEVEL"`
}

type DebugConfig struct {
	ListenAddress string `yaml:"address" envconfig:"DEBUG_ADDRESS"`
	ListenPort    uint   `yaml:"port" envconfig:"DEBUG_PORT"`
}

type ApiConfig struct {
	ListenAddress string `yaml:"address" envconfig:"API_ADDRESS"`
	ListenPort    uint   `yaml:"port" envconfig:"API_PORT"`
}

type NodeConfig struct {
	RpcUrl                     string `yaml:"rpcUrl"                     envconfig:"RPC_URL"`
	RpcUser                    string `yaml:"rpcUser"                    envconfig:"RPC_USER"`
	RpcPassword                string `yaml:"rpcPassword"                envconfig:"RPC_PASSWORD"`
	RpcTimeoutSecs             uint   `yaml:"rpcTimeoutSecs"             envconfig:"RPC_TIMEOUT_SECS"`
	RpcPoolSize                uint   `yaml:"rpcPoolSize"                envconfig:"RPC_POOL_SIZE"`
	RpcRateLimitRps            uint   `yaml:"rpcRateLimitRps"            envconfig:"RPC_RATE_LIMIT_RPS"`
	RpcMinRequestIntervalMs    uint   `yaml:"rpcMinRequestIntervalMs"    envconfig:"RPC_MIN_REQUEST_INTERVAL_MS"`
	CircuitFailureThreshold    uint   `yaml:"circuitFailureThreshold"    envconfig:"CIRCUIT_FAILURE_THRESHOLD"`
	CircuitResetTimeoutSecs    uint   `yaml:"circuitResetTimeoutSecs"    envconfig:"CIRCUIT_RESET_TIMEOUT_SECS"`
	CircuitHalfOpenTimeoutSecs uint   `yaml:"circuitHalfOpenTimeoutSecs" envconfig:"CIRCUIT_HALF_OPEN_TIMEOUT_SECS"`
	BlockCacheEnabled          bool   `yaml:"blockCacheEnabled"          envconfig:"BLOCK_CACHE_ENABLED"`
}

type SyncConfig struct {
	BatchSize              uint `yaml:"batchSize"              envconfig:"SYNC_BATCH_SIZE"`
	Workers                uint `yaml:"workers"                envconfig:"SYNC_WORKERS"`
	BlockParallelThreshold uint `yaml:"blockParallelThreshold" envconfig:"BLOCK_PARALLEL_THRESHOLD"`
	CheckpointInterval     uint `yaml:"checkpointInterval"     envconfig:"CHECKPOINT_INTERVAL"`
	ReorgLimit             uint `yaml:"reorgLimit"             envconfig:"REORG_LIMIT"`
	RefreshMinIntervalSecs uint `yaml:"refreshMinIntervalSecs" envconfig:"REFRESH_MIN_INTERVAL_SECS"`
	ProgressiveSync        bool `yaml:"progressiveSync"        envconfig:"PROGRESSIVE_SYNC"`
	InitialSyncMinimal     bool `yaml:"initialSyncMinimal"     envconfig:"INITIAL_SYNC_MINIMAL"`
}

type StorageConfig struct {
	Directory string `yaml:"dir" envconfig:"STORAGE_DIR"`
}

// Singleton config instance with default values
var globalConfig = &Config{
	Logging: LoggingConfig{
		Level: "info",
	},
	Debug: DebugConfig{
		ListenAddress: "localhost",
		ListenPort:    0,
	},
	Api: ApiConfig{
		ListenPort: 8080,
	},
	Node: NodeConfig{
		RpcUrl:                     "http://localhost:7332",
		RpcTimeoutSecs:             30,
		RpcPoolSize:                8,
		RpcRateLimitRps:            32,
		CircuitFailureThreshold:    5,
		CircuitResetTimeoutSecs:    60,
		CircuitHalfOpenTimeoutSecs: 15,
	},
	Sync: SyncConfig{
		BatchSize:              64,
		Workers:                4,
		BlockParallelThreshold: 8,
		CheckpointInterval:     100,
		ReorgLimit:             6,
		RefreshMinIntervalSecs: 30,
	},
	Storage: StorageConfig{
		Directory: "./.rxindexer",
	},
}

func Load(configFile string) (*Config, error) {
	// Load config file as YAML if provided
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		err = yaml.Unmarshal(buf, globalConfig)
		if err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	// Load config values from environment variables
	// We use "dummy" as the app name here to (mostly) prevent picking up env
	// vars that we hadn't explicitly specified in annotations above
	err := envconfig.Process("dummy", globalConfig)
	if err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if err := globalConfig.validate(); err != nil {
		return nil, err
	}
	return globalConfig, nil
}

func (cfg *Config) validate() error {
	if cfg.Node.RpcUrl == "" {
		return errors.New("node RPC URL is required")
	}
	if cfg.Sync.BatchSize == 0 {
		return errors.New("sync batch size must be greater than zero")
	}
	if cfg.Sync.Workers == 0 {
		return errors.New("sync worker count must be greater than zero")
	}
	if cfg.Sync.ReorgLimit == 0 {
		return errors.New("reorg limit must be greater than zero")
	}
	return nil
}

// Return global config instance
func GetConfig() *Config {
	return globalConfig
}
