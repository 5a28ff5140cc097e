// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Gamelink Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the gateway configuration, loaded from a YAML
// file with environment variable expansion.
package config

import (
	"fmt"
	"time"

	"github.com/gamelink-ai/gamelink/pkg/protocol"
)

// Policy resolves conflicts between an existing entity and an incoming
// one of the same name.
type Policy string

const (
	// PolicyDropIncoming keeps the existing entity and rejects the new.
	PolicyDropIncoming Policy = "drop_incoming"
	// PolicyDropExisting replaces the existing entity with the new.
	PolicyDropExisting Policy = "drop_existing"
)

func (p Policy) Valid() bool {
	return p == PolicyDropIncoming || p == PolicyDropExisting
}

// EngineType selects the inference backend.
type EngineType string

const (
	// EngineRandy is the seedable random engine; no model required.
	EngineRandy EngineType = "randy"
)

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Engine  EngineConfig  `yaml:"engine"`
	LLM     LLMConfig     `yaml:"llm"`
	Gateway GatewayConfig `yaml:"gateway"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is simple or verbose.
	Format string `yaml:"format"`
}

// MetricsConfig toggles the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// EngineConfig selects and seeds the generation engine.
type EngineConfig struct {
	Type EngineType `yaml:"type"`
	// Seed drives the randy engine; ignored by other engines.
	Seed uint64 `yaml:"seed"`
	// Tokenizer is the tiktoken encoding name.
	Tokenizer string `yaml:"tokenizer"`
}

// LLMConfig shapes the conversation log and sampling.
type LLMConfig struct {
	TokenLimit  int     `yaml:"token_limit"`
	Temperature float64 `yaml:"temperature"`
	// SystemPrompt overrides the built-in persona when set.
	SystemPrompt string `yaml:"system_prompt"`
	// Rules holds per-game guidance appended as a persistent message.
	Rules map[string]string `yaml:"rules"`
}

// GatewayConfig holds the protocol-facing behavior knobs.
type GatewayConfig struct {
	// IdleTimeoutTry is the idle interval, in seconds, before the model
	// is prompted to act. An explicit 0 disables it; unset means 5.
	IdleTimeoutTry *float64 `yaml:"idle_timeout_try"`
	// IdleTimeoutForce is the idle interval, in seconds, before the
	// model is forced to act. An explicit 0 disables it; unset means 30.
	IdleTimeoutForce *float64 `yaml:"idle_timeout_force"`
	// AllowYapping lets the model speak unprompted.
	AllowYapping bool `yaml:"allow_yapping"`
	// EnforceSchema constrains action payloads to registered schemas.
	EnforceSchema *bool `yaml:"enforce_schema"`
	// SaySleep paces spoken messages with a simulated TTS delay.
	SaySleep bool `yaml:"say_sleep"`
	// ExistingConnectionPolicy decides which connection survives when a
	// game connects twice.
	ExistingConnectionPolicy Policy `yaml:"existing_connection_policy"`
	// ExistingActionPolicy decides which registration survives a name
	// conflict. Empty means the protocol version's default: v1 keeps
	// the existing action, v2 overwrites it.
	ExistingActionPolicy Policy `yaml:"existing_action_policy"`
}

// IdleTry returns the effective try interval.
func (c GatewayConfig) IdleTry() time.Duration {
	return secondsOrDefault(c.IdleTimeoutTry, 5)
}

// IdleForce returns the effective force interval.
func (c GatewayConfig) IdleForce() time.Duration {
	return secondsOrDefault(c.IdleTimeoutForce, 30)
}

func secondsOrDefault(v *float64, def float64) time.Duration {
	if v == nil {
		return time.Duration(def * float64(time.Second))
	}
	return time.Duration(*v * float64(time.Second))
}

// ActionPolicy resolves the effective action conflict policy for a
// protocol version.
func (c GatewayConfig) ActionPolicy(version protocol.Version) Policy {
	if c.ExistingActionPolicy.Valid() {
		return c.ExistingActionPolicy
	}
	if version == protocol.V1 {
		return PolicyDropIncoming
	}
	return PolicyDropExisting
}

// SchemaEnforced reports whether payload generation is constrained;
// defaults to true.
func (c GatewayConfig) SchemaEnforced() bool {
	return c.EnforceSchema == nil || *c.EnforceSchema
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills in zero values.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
	if c.Engine.Type == "" {
		c.Engine.Type = EngineRandy
	}
	if c.Engine.Tokenizer == "" {
		c.Engine.Tokenizer = "cl100k_base"
	}
	if c.Engine.Seed == 0 {
		c.Engine.Seed = 42
	}
	if c.LLM.TokenLimit == 0 {
		c.LLM.TokenLimit = 4096
	}
	if c.LLM.Temperature == 0 {
		c.LLM.Temperature = 1.0
	}
	if c.Gateway.ExistingConnectionPolicy == "" {
		c.Gateway.ExistingConnectionPolicy = PolicyDropIncoming
	}
}

// Validate checks invariants the rest of the gateway relies on.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	if c.Engine.Type != EngineRandy {
		return fmt.Errorf("unknown engine type: %s", c.Engine.Type)
	}
	if c.LLM.TokenLimit < 256 {
		return fmt.Errorf("token_limit too small: %d", c.LLM.TokenLimit)
	}
	if c.Gateway.IdleTry() < 0 || c.Gateway.IdleForce() < 0 {
		return fmt.Errorf("idle timeouts must not be negative")
	}
	if !c.Gateway.ExistingConnectionPolicy.Valid() {
		return fmt.Errorf("invalid existing_connection_policy: %s", c.Gateway.ExistingConnectionPolicy)
	}
	if c.Gateway.ExistingActionPolicy != "" && !c.Gateway.ExistingActionPolicy.Valid() {
		return fmt.Errorf("invalid existing_action_policy: %s", c.Gateway.ExistingActionPolicy)
	}
	return nil
}
