// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config interface is the Relay core configuration.
type Config interface {
	GetName() string
	GetConfig() []string
	GetShutdownGraceSec() int
	GetLogger() *LoggerConfig
	GetSocket() *SocketConfig
	GetSession() *SessionConfig
	GetRegistry() *RegistryConfig
	GetBus() *BusConfig
	GetNats() *NatsConfig
	GetMongo() *MongoConfig
	GetMetrics() *MetricsConfig
	GetFanout() *FanoutConfig

	Clone() (Config, error)
}

type config struct {
	Name             string          `yaml:"name" json:"name" usage:"Relay server's node name - must be unique."`
	Config           []string        `yaml:"config" json:"config" usage:"The absolute file path to configuration YAML file."`
	ShutdownGraceSec int             `yaml:"shutdown_grace_sec" json:"shutdown_grace_sec" usage:"Maximum number of seconds to wait for the server to complete work before shutting down. Default is 0 seconds. If 0 the server will shut down immediately when it receives a termination signal."`
	Logger           *LoggerConfig   `yaml:"logger" json:"logger" usage:"Logger levels and output."`
	Socket           *SocketConfig   `yaml:"socket" json:"socket" usage:"Socket configuration."`
	Session          *SessionConfig  `yaml:"session" json:"session" usage:"Session authentication settings."`
	Registry         *RegistryConfig `yaml:"registry" json:"registry" usage:"Shared presence registry settings."`
	Bus              *BusConfig      `yaml:"bus" json:"bus" usage:"Message bus settings."`
	Nats             *NatsConfig     `yaml:"nats" json:"nats" usage:"NATS connection settings, used when the bus driver is 'nats'."`
	Mongo            *MongoConfig    `yaml:"mongo" json:"mongo" usage:"MongoDB store settings."`
	Metrics          *MetricsConfig  `yaml:"metrics" json:"metrics" usage:"Metrics settings."`
	Fanout           *FanoutConfig   `yaml:"fanout" json:"fanout" usage:"Message routing and acknowledgment limits."`
}

// NewConfig constructs a Config struct which represents server settings, and populates it with default values.
func NewConfig(logger *zap.Logger) *config {
	cwd, err := os.Getwd()
	if err != nil {
		logger.Fatal("Error getting current working directory.", zap.Error(err))
	}
	return &config{
		Name:             "relay",
		Config:           make([]string, 0),
		ShutdownGraceSec: 0,
		Logger:           NewLoggerConfig(cwd),
		Socket:           NewSocketConfig(),
		Session:          NewSessionConfig(),
		Registry:         NewRegistryConfig(),
		Bus:              NewBusConfig(),
		Nats:             NewNatsConfig(),
		Mongo:            NewMongoConfig(),
		Metrics:          NewMetricsConfig(),
		Fanout:           NewFanoutConfig(),
	}
}

func (c *config) Clone() (Config, error) {
	configLogger := *(c.Logger)
	configSocket := *(c.Socket)
	configSession := *(c.Session)
	configNats := *(c.Nats)
	configMongo := *(c.Mongo)
	configMetrics := *(c.Metrics)
	configFanout := *(c.Fanout)
	nc := &config{
		Name:             c.Name,
		ShutdownGraceSec: c.ShutdownGraceSec,
		Logger:           &configLogger,
		Socket:           &configSocket,
		Session:          &configSession,
		Registry:         c.Registry.Clone(),
		Bus:              c.Bus.Clone(),
		Nats:             &configNats,
		Mongo:            &configMongo,
		Metrics:          &configMetrics,
		Fanout:           &configFanout,
	}
	nc.Config = make([]string, len(c.Config))
	copy(nc.Config, c.Config)
	nc.Nats.Servers = make([]string, len(c.Nats.Servers))
	copy(nc.Nats.Servers, c.Nats.Servers)
	return nc, nil
}

func (c *config) GetName() string {
	return c.Name
}

func (c *config) GetConfig() []string {
	return c.Config
}

func (c *config) GetShutdownGraceSec() int {
	return c.ShutdownGraceSec
}

func (c *config) GetLogger() *LoggerConfig {
	return c.Logger
}

func (c *config) GetSocket() *SocketConfig {
	return c.Socket
}

func (c *config) GetSession() *SessionConfig {
	return c.Session
}

func (c *config) GetRegistry() *RegistryConfig {
	return c.Registry
}

func (c *config) GetBus() *BusConfig {
	return c.Bus
}

func (c *config) GetNats() *NatsConfig {
	return c.Nats
}

func (c *config) GetMongo() *MongoConfig {
	return c.Mongo
}

func (c *config) GetMetrics() *MetricsConfig {
	return c.Metrics
}

func (c *config) GetFanout() *FanoutConfig {
	return c.Fanout
}

// ParseArgs reads the command line flags and any config files they name, and returns the merged configuration.
// Values set on the command line take precedence over config files.
func ParseArgs(logger *zap.Logger, args []string) Config {
	mainConfig := NewConfig(logger)

	flagSet := flag.NewFlagSet("relay", flag.ExitOnError)
	var configFiles stringSliceFlag
	flagSet.Var(&configFiles, "config", "The absolute file path to configuration YAML file. May be repeated.")
	name := flagSet.String("name", "", "Relay server's node name - must be unique.")
	if len(args) > 1 {
		if err := flagSet.Parse(args[1:]); err != nil {
			logger.Fatal("Could not parse command line arguments", zap.Error(err))
		}
	}

	for _, cfg := range configFiles {
		data, err := os.ReadFile(cfg)
		if err != nil {
			logger.Fatal("Could not read config file", zap.String("path", cfg), zap.Error(err))
		}
		if err := yaml.Unmarshal(data, mainConfig); err != nil {
			logger.Fatal("Could not parse config file", zap.String("path", cfg), zap.Error(err))
		}
	}
	mainConfig.Config = configFiles

	if *name != "" {
		mainConfig.Name = *name
	}

	// Log file paths in config files are relative to the working directory.
	if mainConfig.Logger.File != "" && !filepath.IsAbs(mainConfig.Logger.File) {
		mainConfig.Logger.File = filepath.Join(mainConfig.Logger.Dir, mainConfig.Logger.File)
	}

	return mainConfig
}

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// CheckConfig validates the configuration and terminates the process on any fatal setting.
func CheckConfig(logger *zap.Logger, config Config) {
	if config.GetName() == "" || strings.ContainsAny(config.GetName(), " :") {
		logger.Fatal("Name must be set and must not contain spaces or colons", zap.String("param", "name"))
	}
	if config.GetShutdownGraceSec() < 0 {
		logger.Fatal("Shutdown grace period must be >= 0", zap.Int("shutdown_grace_sec", config.GetShutdownGraceSec()))
	}
	if config.GetSocket().Port < 1 {
		logger.Fatal("Socket port must be >= 1", zap.Int("socket.port", config.GetSocket().Port))
	}
	if config.GetSocket().MaxMessageSizeBytes < 1 {
		logger.Fatal("Socket max message size bytes must be >= 1", zap.Int64("socket.max_message_size_bytes", config.GetSocket().MaxMessageSizeBytes))
	}
	if config.GetSocket().OutgoingQueueSize < 1 {
		logger.Fatal("Socket outgoing queue size must be >= 1", zap.Int("socket.outgoing_queue_size", config.GetSocket().OutgoingQueueSize))
	}
	if config.GetSocket().PingPeriodMs >= config.GetSocket().PongWaitMs {
		logger.Fatal("Ping period value must be less than pong wait value", zap.Int("socket.ping_period_ms", config.GetSocket().PingPeriodMs), zap.Int("socket.pong_wait_ms", config.GetSocket().PongWaitMs))
	}
	if config.GetSession().EncryptionKey == "" {
		logger.Fatal("Session encryption key must be set", zap.String("param", "session.encryption_key"))
	}
	if config.GetSession().EncryptionKey == "defaultencryptionkey" {
		logger.Warn("WARNING: insecure default parameter value, change this for production!", zap.String("param", "session.encryption_key"))
	}
	if config.GetSession().ServerKey == "" {
		logger.Info("Control routes disabled", zap.String("param", "session.server_key"))
	}
	if config.GetMetrics().ReportingFreqSec < 1 {
		logger.Fatal("Metrics reporting frequency must be >= 1", zap.Int("metrics.reporting_freq_sec", config.GetMetrics().ReportingFreqSec))
	}
	if config.GetFanout().MaxParticipants < 2 {
		logger.Fatal("Fanout max participants must be >= 2", zap.Int("fanout.max_participants", config.GetFanout().MaxParticipants))
	}
	if config.GetFanout().MaxAckBatch < 1 {
		logger.Fatal("Fanout max ack batch must be >= 1", zap.Int("fanout.max_ack_batch", config.GetFanout().MaxAckBatch))
	}
	if config.GetMongo().URI == "" {
		logger.Fatal("Mongo URI must be set", zap.String("param", "mongo.uri"))
	}
	if config.GetMongo().Database == "" {
		logger.Fatal("Mongo database must be set", zap.String("param", "mongo.database"))
	}

	ValidateRegistryConfig(logger, config)

	switch config.GetBus().Driver {
	case BusDriverRedis:
	case BusDriverNats:
		if len(config.GetNats().Servers) == 0 {
			logger.Fatal("NATS bus selected but no servers set", zap.String("param", "nats.servers"))
		}
	default:
		logger.Fatal("Unknown bus driver", zap.String("bus.driver", config.GetBus().Driver))
	}
}

// LoggerConfig is configuration relevant to logging levels and output.
type LoggerConfig struct {
	Level    string `yaml:"level" json:"level" usage:"Log level to set. Valid values are 'debug', 'info', 'warn', 'error'. Default 'info'."`
	Stdout   bool   `yaml:"stdout" json:"stdout" usage:"Log to standard console output (as well as to a file if set). Default true."`
	File     string `yaml:"file" json:"file" usage:"Log output to a file (as well as stdout if set). Make sure that the directory and the file is writable."`
	Dir      string `yaml:"-" json:"-"`
	Rotation bool   `yaml:"rotation" json:"rotation" usage:"Rotate log files. Default is false."`
	// Reference: https://godoc.org/gopkg.in/natefinch/lumberjack.v2
	MaxSize    int    `yaml:"max_size" json:"max_size" usage:"The maximum size in megabytes of the log file before it gets rotated. It defaults to 100 megabytes."`
	MaxAge     int    `yaml:"max_age" json:"max_age" usage:"The maximum number of days to retain old log files based on the timestamp encoded in their filename. The default is not to remove old log files based on age."`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" usage:"The maximum number of old log files to retain. The default is to retain all old log files (though MaxAge may still cause them to get deleted.)"`
	LocalTime  bool   `yaml:"local_time" json:"local_time" usage:"This determines if the time used for formatting the timestamps in backup files is the computer's local time. The default is to use UTC time."`
	Compress   bool   `yaml:"compress" json:"compress" usage:"This determines if the rotated log files should be compressed using gzip."`
	Format     string `yaml:"format" json:"format" usage:"Set logging output format. Can either be 'JSON' or 'Stackdriver'. Default is 'JSON'."`
}

func NewLoggerConfig(dir string) *LoggerConfig {
	return &LoggerConfig{
		Level:      "info",
		Stdout:     true,
		File:       "",
		Dir:        dir,
		Rotation:   false,
		MaxSize:    100,
		MaxAge:     0,
		MaxBackups: 0,
		LocalTime:  false,
		Compress:   false,
		Format:     "json",
	}
}

// SocketConfig is configuration relevant to the realtime socket server.
type SocketConfig struct {
	Address              string `yaml:"address" json:"address" usage:"The IP address of the interface to listen for client traffic on. Default listen on all available addresses/interfaces."`
	Port                 int    `yaml:"port" json:"port" usage:"The port for accepting connections from the client for the given interface(s), address(es), and protocol(s). Default 7350."`
	MaxMessageSizeBytes  int64  `yaml:"max_message_size_bytes" json:"max_message_size_bytes" usage:"Maximum amount of data in bytes allowed to be read from the client socket per message."`
	ReadBufferSizeBytes  int    `yaml:"read_buffer_size_bytes" json:"read_buffer_size_bytes" usage:"Size in bytes of the pre-allocated socket read buffer. Default 4096."`
	WriteBufferSizeBytes int    `yaml:"write_buffer_size_bytes" json:"write_buffer_size_bytes" usage:"Size in bytes of the pre-allocated socket write buffer. Default 4096."`
	ReadTimeoutMs        int    `yaml:"read_timeout_ms" json:"read_timeout_ms" usage:"Maximum duration in milliseconds for reading the entire request."`
	WriteTimeoutMs       int    `yaml:"write_timeout_ms" json:"write_timeout_ms" usage:"Maximum duration in milliseconds before timing out writes of the response."`
	IdleTimeoutMs        int    `yaml:"idle_timeout_ms" json:"idle_timeout_ms" usage:"Maximum amount of time in milliseconds to wait for the next request when keep-alives are enabled."`
	WriteWaitMs          int    `yaml:"write_wait_ms" json:"write_wait_ms" usage:"Time in milliseconds to wait for an ack from the client when writing data."`
	PongWaitMs           int    `yaml:"pong_wait_ms" json:"pong_wait_ms" usage:"Time in milliseconds to wait between pong messages received from the client."`
	PingPeriodMs         int    `yaml:"ping_period_ms" json:"ping_period_ms" usage:"Time in milliseconds to wait between sending ping messages to the client. This value must be less than the pong_wait_ms."`
	PingBackoffThreshold int    `yaml:"ping_backoff_threshold" json:"ping_backoff_threshold" usage:"Minimum number of messages received from the client during a single ping period that will delay the sending of a ping until the next ping period, to avoid sending unnecessary pings on regularly active connections. Default 20."`
	OutgoingQueueSize    int    `yaml:"outgoing_queue_size" json:"outgoing_queue_size" usage:"The maximum number of messages waiting to be sent to the client. If this is exceeded the client is considered too slow and will disconnect. Used when processing real-time connections."`
}

func NewSocketConfig() *SocketConfig {
	return &SocketConfig{
		Address:              "",
		Port:                 7350,
		MaxMessageSizeBytes:  4096,
		ReadBufferSizeBytes:  4096,
		WriteBufferSizeBytes: 4096,
		ReadTimeoutMs:        10 * 1000,
		WriteTimeoutMs:       10 * 1000,
		IdleTimeoutMs:        60 * 1000,
		WriteWaitMs:          5000,
		PongWaitMs:           25000,
		PingPeriodMs:         15000,
		PingBackoffThreshold: 20,
		OutgoingQueueSize:    64,
	}
}

// SessionConfig is configuration relevant to the session tokens presented at the handshake.
type SessionConfig struct {
	EncryptionKey string `yaml:"encryption_key" json:"encryption_key" usage:"The encryption key used to verify the session token signature. Must match the key of the token issuer."`
	Issuer        string `yaml:"issuer" json:"issuer" usage:"Expected token issuer. Tokens with a different issuer are rejected. Empty disables the check."`
	ServerKey     string `yaml:"server_key" json:"server_key" usage:"Bearer key trusted backends present on the /v1 control routes. Empty disables the control routes."`
}

func NewSessionConfig() *SessionConfig {
	return &SessionConfig{
		EncryptionKey: "defaultencryptionkey",
	}
}

// MongoConfig is configuration relevant to the MongoDB backed stores.
type MongoConfig struct {
	URI                     string `yaml:"uri" json:"uri" usage:"MongoDB connection string."`
	Database                string `yaml:"database" json:"database" usage:"Database holding users, conversations and messages. Default 'relay'."`
	ConnectTimeoutMs        int    `yaml:"connect_timeout_ms" json:"connect_timeout_ms" usage:"Time in milliseconds to wait for the initial connection and ping. Default 10000."`
	UsersCollection         string `yaml:"users_collection" json:"users_collection" usage:"Collection holding users and their block lists. Default 'users'."`
	ConversationsCollection string `yaml:"conversations_collection" json:"conversations_collection" usage:"Collection holding conversations. Default 'conversations'."`
	MessagesCollection      string `yaml:"messages_collection" json:"messages_collection" usage:"Collection holding messages. Default 'messages'."`
}

func NewMongoConfig() *MongoConfig {
	return &MongoConfig{
		URI:                     "mongodb://localhost:27017",
		Database:                "relay",
		ConnectTimeoutMs:        10000,
		UsersCollection:         "users",
		ConversationsCollection: "conversations",
		MessagesCollection:      "messages",
	}
}

func (cfg *MongoConfig) GetConnectTimeout() time.Duration {
	return time.Duration(cfg.ConnectTimeoutMs) * time.Millisecond
}

// MetricsConfig is configuration relevant to metrics capturing and output.
type MetricsConfig struct {
	ReportingFreqSec int    `yaml:"reporting_freq_sec" json:"reporting_freq_sec" usage:"Frequency of metrics exports. Default is 60 seconds."`
	Namespace        string `yaml:"namespace" json:"namespace" usage:"Namespace for Prometheus metrics. It will always prepend node name."`
	Prefix           string `yaml:"prefix" json:"prefix" usage:"Prefix for metric names. Default is 'relay', empty string '' disables the prefix."`
	CustomPrefix     string `yaml:"custom_prefix" json:"custom_prefix" usage:"Prefix for custom timers. Default is 'custom', empty string '' disables the prefix."`
}

func NewMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		ReportingFreqSec: 60,
		Prefix:           "relay",
		CustomPrefix:     "custom",
	}
}

// FanoutConfig is configuration relevant to message routing and delivery acknowledgments.
type FanoutConfig struct {
	MaxParticipants int `yaml:"max_participants" json:"max_participants" usage:"Maximum number of participants named in a single send_message. Default 100."`
	MaxAckBatch     int `yaml:"max_ack_batch" json:"max_ack_batch" usage:"Maximum number of message ids acknowledged in a single messages_received. Default 500."`
}

func NewFanoutConfig() *FanoutConfig {
	return &FanoutConfig{
		MaxParticipants: 100,
		MaxAckBatch:     500,
	}
}
