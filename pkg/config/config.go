// Copyright 2023 The emqx-go Authors
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

// Package config provides configuration management for clusterguard: the
// listener, store, throttle, coordinator, replication and discovery
// settings, and the users seeded into the in-memory store.
package config

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/turtacn/clusterguard/pkg/acl"
	"github.com/turtacn/clusterguard/pkg/auth"
	"github.com/turtacn/clusterguard/pkg/cluster"
	"github.com/turtacn/clusterguard/pkg/discovery"
	"github.com/turtacn/clusterguard/pkg/storage"
	"github.com/turtacn/clusterguard/pkg/storage/postgres"
	tlsconf "github.com/turtacn/clusterguard/pkg/tls"
	"gopkg.in/yaml.v2"
)

// Store and throttle drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// NodeConfig identifies this broker.
type NodeConfig struct {
	// Name is unique per broker. Its name-based UUID is the broker id.
	Name string `yaml:"name" json:"name"`
}

// MQTTConfig configures the client listener.
type MQTTConfig struct {
	Address string `yaml:"address" json:"address"`
	// TLS serves the listener over TLS when a certificate is set.
	TLS tlsconf.Config `yaml:"tls" json:"tls"`
}

// MetricsConfig configures the Prometheus endpoint. An empty address
// disables it.
type MetricsConfig struct {
	Address string `yaml:"address" json:"address"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level   string `yaml:"level" json:"level"`
	NoColor bool   `yaml:"no_color" json:"no_color"`
}

// StoreConfig selects the access control store.
type StoreConfig struct {
	Driver   string          `yaml:"driver" json:"driver"`
	Postgres postgres.Config `yaml:"postgres" json:"postgres"`
	// Migrate applies the schema at startup.
	Migrate bool `yaml:"migrate" json:"migrate"`
}

// RedisConfig addresses the Redis instance holding data limit counters.
type RedisConfig struct {
	Address  string `yaml:"address" json:"address"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// ThrottleConfig selects the data limit counter.
type ThrottleConfig struct {
	Driver string      `yaml:"driver" json:"driver"`
	Redis  RedisConfig `yaml:"redis" json:"redis"`
}

// CoordinatorConfig tunes request handling and the write-behind queues.
type CoordinatorConfig struct {
	FlushInitialDelay  time.Duration `yaml:"flush_initial_delay" json:"flush_initial_delay"`
	FlushInterval      time.Duration `yaml:"flush_interval" json:"flush_interval"`
	FlushTimeout       time.Duration `yaml:"flush_timeout" json:"flush_timeout"`
	FlushThreshold     int           `yaml:"flush_threshold" json:"flush_threshold"`
	ReplicationTimeout time.Duration `yaml:"replication_timeout" json:"replication_timeout"`
	RequestTimeout     time.Duration `yaml:"request_timeout" json:"request_timeout"`
	// GrainIdleTimeout stops client actors idle for this long. Zero keeps
	// them until shutdown.
	GrainIdleTimeout time.Duration `yaml:"grain_idle_timeout" json:"grain_idle_timeout"`
}

// Options converts the section into coordinator options.
func (c CoordinatorConfig) Options() cluster.Options {
	return cluster.Options{
		FlushInitialDelay:  c.FlushInitialDelay,
		FlushInterval:      c.FlushInterval,
		FlushTimeout:       c.FlushTimeout,
		FlushThreshold:     c.FlushThreshold,
		ReplicationTimeout: c.ReplicationTimeout,
	}
}

// ReplicationConfig holds the identity used to publish to peers.
type ReplicationConfig struct {
	UserName       string `yaml:"username" json:"username"`
	Password       string `yaml:"password" json:"password"`
	TLS            bool   `yaml:"tls" json:"tls"`
	CleanSession   bool   `yaml:"clean_session" json:"clean_session"`
	ClientIDPrefix string `yaml:"client_id_prefix" json:"client_id_prefix"`
	// Certificates apply to peer connections when TLS is set.
	Certificates tlsconf.Config `yaml:"certificates" json:"certificates"`
}

// ClientTLS returns the client configuration for peer connections, or nil
// when replication runs over plain TCP.
func (r ReplicationConfig) ClientTLS() (*tls.Config, error) {
	if !r.TLS {
		return nil, nil
	}
	return r.Certificates.Client()
}

// Template returns peer settings carrying the replication identity.
func (r ReplicationConfig) Template() cluster.BrokerSettings {
	return cluster.BrokerSettings{
		UserName:     r.UserName,
		Password:     r.Password,
		TLS:          r.TLS,
		CleanSession: r.CleanSession,
	}
}

// defaultSyncSecret is the shipped replication password.
const defaultSyncSecret = "sync"

// UsesDefaultSyncCredentials reports whether the replication identity or a
// seeded sync user still carries the shipped password.
func (c *Config) UsesDefaultSyncCredentials() bool {
	if c.Replication.Password == defaultSyncSecret {
		return true
	}
	for _, u := range c.Users {
		if u.SyncUser && u.PasswordHash == "" && u.Password == defaultSyncSecret {
			return true
		}
	}
	return false
}

// KubernetesConfig locates peer pods through a service's endpoints.
type KubernetesConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace"`
	Service   string `yaml:"service" json:"service"`
	PortName  string `yaml:"port_name" json:"port_name"`
}

// DiscoveryConfig configures peer discovery.
type DiscoveryConfig struct {
	Interval   time.Duration    `yaml:"interval" json:"interval"`
	Kubernetes KubernetesConfig `yaml:"kubernetes" json:"kubernetes"`
}

// ACLConfig lists the filters of one direction.
type ACLConfig struct {
	Whitelist []string `yaml:"whitelist,omitempty" json:"whitelist,omitempty"`
	Blacklist []string `yaml:"blacklist,omitempty" json:"blacklist,omitempty"`
}

// UserConfig represents a user configuration entry
type UserConfig struct {
	Username string `yaml:"username" json:"username"`
	// Password is hashed with Algorithm unless PasswordHash is set.
	Password         string    `yaml:"password" json:"password"`
	Algorithm        string    `yaml:"algorithm" json:"algorithm"`
	PasswordHash     string    `yaml:"password_hash" json:"password_hash"`
	ClientID         string    `yaml:"client_id" json:"client_id"`
	ClientIDPrefix   string    `yaml:"client_id_prefix" json:"client_id_prefix"`
	ValidateClientID bool      `yaml:"validate_client_id" json:"validate_client_id"`
	Throttle         bool      `yaml:"throttle" json:"throttle"`
	MonthlyByteLimit *int64    `yaml:"monthly_byte_limit" json:"monthly_byte_limit"`
	SyncUser         bool      `yaml:"sync_user" json:"sync_user"`
	Publish          ACLConfig `yaml:"publish" json:"publish"`
	Subscribe        ACLConfig `yaml:"subscribe" json:"subscribe"`
}

// Config holds the complete configuration
type Config struct {
	Node        NodeConfig        `yaml:"node" json:"node"`
	MQTT        MQTTConfig        `yaml:"mqtt" json:"mqtt"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics"`
	Log         LogConfig         `yaml:"log" json:"log"`
	Store       StoreConfig       `yaml:"store" json:"store"`
	Throttle    ThrottleConfig    `yaml:"throttle" json:"throttle"`
	Coordinator CoordinatorConfig `yaml:"coordinator" json:"coordinator"`
	Replication ReplicationConfig `yaml:"replication" json:"replication"`
	Discovery   DiscoveryConfig   `yaml:"discovery" json:"discovery"`
	Peers       []discovery.Peer  `yaml:"peers,omitempty" json:"peers,omitempty"`
	Users       []UserConfig      `yaml:"users" json:"users"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "clusterguard"
	}
	return &Config{
		Node:    NodeConfig{Name: hostname},
		MQTT:    MQTTConfig{Address: ":1883"},
		Metrics: MetricsConfig{Address: ":9090"},
		Log:     LogConfig{Level: "info"},
		Store: StoreConfig{
			Driver: DriverMemory,
			Postgres: postgres.Config{
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: 30 * time.Minute,
				Timeout:         30 * time.Second,
			},
		},
		Throttle: ThrottleConfig{
			Driver: DriverMemory,
			Redis:  RedisConfig{Address: "localhost:6379"},
		},
		Coordinator: CoordinatorConfig{
			FlushInitialDelay:  time.Second,
			FlushInterval:      10 * time.Second,
			FlushTimeout:       30 * time.Second,
			FlushThreshold:     1000,
			ReplicationTimeout: 5 * time.Second,
			RequestTimeout:     5 * time.Second,
		},
		Replication: ReplicationConfig{
			UserName:       "sync",
			Password:       "sync",
			CleanSession:   true,
			ClientIDPrefix: "clusterguard-sync-",
		},
		Discovery: DiscoveryConfig{
			Interval: 30 * time.Second,
			Kubernetes: KubernetesConfig{
				Namespace: "default",
				Service:   "clusterguard",
				PortName:  "mqtt",
			},
		},
		Users: []UserConfig{
			{
				Username:  "Test",
				Password:  "test",
				Algorithm: string(auth.HashPlain),
				Publish:   ACLConfig{Whitelist: []string{"a/b", "a/d"}},
				Subscribe: ACLConfig{Whitelist: []string{"d/e", "e"}},
			},
			{
				Username:  "sync",
				Password:  "sync",
				Algorithm: string(auth.HashSHA256),
				SyncUser:  true,
				Publish:   ACLConfig{Whitelist: []string{"#"}},
				Subscribe: ACLConfig{Whitelist: []string{"#"}},
			},
		},
	}
}

// LoadConfig loads configuration from a file. Sections missing from the
// file keep their defaults; a users list in the file replaces the default
// users entirely.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()
	if configPath == "" {
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	defaultUsers := config.Users
	config.Users = nil

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	if config.Users == nil {
		config.Users = defaultUsers
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig saves configuration to a file
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Node.Name == "" {
		return invalid("node.name cannot be empty")
	}
	if c.MQTT.Address == "" {
		return invalid("mqtt.address cannot be empty")
	}
	if c.MQTT.TLS.Enabled() && c.MQTT.TLS.KeyFile == "" {
		return invalid("mqtt.tls.keyfile is required when mqtt.tls.certfile is set")
	}
	switch c.MQTT.TLS.Verify {
	case "", tlsconf.VerifyNone:
	case tlsconf.VerifyPeer, tlsconf.VerifyPeerFailIfNoCert:
		if c.MQTT.TLS.CAFile == "" {
			return invalid("mqtt.tls.cacertfile is required for verify mode %s", c.MQTT.TLS.Verify)
		}
	default:
		return invalid("unsupported mqtt.tls.verify %q", c.MQTT.TLS.Verify)
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.Postgres.DSN == "" {
			return invalid("store.postgres.dsn is required for the postgres driver")
		}
	default:
		return invalid("unsupported store driver %q (supported: memory, postgres)", c.Store.Driver)
	}

	switch c.Throttle.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Throttle.Redis.Address == "" {
			return invalid("throttle.redis.address is required for the redis driver")
		}
	default:
		return invalid("unsupported throttle driver %q (supported: memory, redis)", c.Throttle.Driver)
	}

	for name, d := range map[string]time.Duration{
		"coordinator.flush_initial_delay": c.Coordinator.FlushInitialDelay,
		"coordinator.flush_interval":      c.Coordinator.FlushInterval,
		"coordinator.flush_timeout":       c.Coordinator.FlushTimeout,
		"coordinator.replication_timeout": c.Coordinator.ReplicationTimeout,
		"coordinator.request_timeout":     c.Coordinator.RequestTimeout,
		"discovery.interval":              c.Discovery.Interval,
	} {
		if d <= 0 {
			return invalid("%s must be positive", name)
		}
	}
	if c.Coordinator.FlushThreshold < 0 || c.Coordinator.GrainIdleTimeout < 0 {
		return invalid("coordinator.flush_threshold and coordinator.grain_idle_timeout cannot be negative")
	}

	if k := c.Discovery.Kubernetes; k.Enabled && (k.Namespace == "" || k.Service == "" || k.PortName == "") {
		return invalid("discovery.kubernetes requires namespace, service and port_name")
	}

	names := make(map[string]bool)
	for i, p := range c.Peers {
		if p.Name == "" || p.Host == "" || p.Port <= 0 || p.Port > 65535 {
			return invalid("peer %d: name, host and a valid port are required", i)
		}
		if names[p.Name] {
			return invalid("duplicate peer name: %s", p.Name)
		}
		names[p.Name] = true
	}

	usernames := make(map[string]bool)
	for i, user := range c.Users {
		if user.Username == "" {
			return invalid("user %d: username cannot be empty", i)
		}
		if usernames[user.Username] {
			return invalid("duplicate username: %s", user.Username)
		}
		usernames[user.Username] = true

		if user.PasswordHash != "" {
			if _, err := auth.AlgorithmOf(user.PasswordHash); err != nil {
				return invalid("user %s: %v", user.Username, err)
			}
		} else {
			if user.Password == "" {
				return invalid("user %s: password cannot be empty", user.Username)
			}
			switch auth.HashAlgorithm(user.Algorithm) {
			case auth.HashPlain, auth.HashSHA256, auth.HashBcrypt:
			default:
				return invalid("user %s: unsupported algorithm: %s (supported: plain, sha256, bcrypt)", user.Username, user.Algorithm)
			}
		}
		if user.MonthlyByteLimit != nil && *user.MonthlyByteLimit < 0 {
			return invalid("user %s: monthly_byte_limit cannot be negative", user.Username)
		}
	}

	return nil
}

// SeedStore adds the configured users and their ACL entries to store.
func (c *Config) SeedStore(store *storage.MemStore) error {
	for _, u := range c.Users {
		hash := u.PasswordHash
		if hash == "" {
			var err error
			if hash, err = auth.HashPassword(u.Password, uuid.NewString(), auth.HashAlgorithm(u.Algorithm)); err != nil {
				return fmt.Errorf("failed to hash password of user %s: %w", u.Username, err)
			}
		}

		store.AddUser(acl.User{
			UserName:         u.Username,
			PasswordHash:     hash,
			ClientID:         u.ClientID,
			ClientIDPrefix:   u.ClientIDPrefix,
			ValidateClientID: u.ValidateClientID,
			ThrottleUser:     u.Throttle,
			MonthlyByteLimit: u.MonthlyByteLimit,
			IsSyncUser:       u.SyncUser,
		})

		for _, set := range []struct {
			list   acl.List
			dir    acl.Direction
			values []string
		}{
			{acl.Blacklist, acl.Publish, u.Publish.Blacklist},
			{acl.Whitelist, acl.Publish, u.Publish.Whitelist},
			{acl.Blacklist, acl.Subscribe, u.Subscribe.Blacklist},
			{acl.Whitelist, acl.Subscribe, u.Subscribe.Whitelist},
		} {
			for _, v := range set.values {
				if err := store.AddEntry(u.Username, set.list, set.dir, v); err != nil {
					return fmt.Errorf("failed to add %s %s entry %q for user %s: %w", set.dir, set.list, v, u.Username, err)
				}
			}
		}
	}
	return nil
}
