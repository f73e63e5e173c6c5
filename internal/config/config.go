package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/rufus800/challawa-np/internal/decoder"
	"github.com/rufus800/challawa-np/internal/model"
)

type PLCConfig struct {
	Address        string        `yaml:"address"`
	Rack           int           `yaml:"rack"`
	Slot           int           `yaml:"slot"`
	DBNumber       int           `yaml:"db_number"`
	Offset         int           `yaml:"offset"`
	Length         int           `yaml:"length"`
	ErrorThreshold int           `yaml:"max_read_errors"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`

	// slot 0 is a valid S7 slot, so absence is tracked apart from the value
	slotSet bool
}

type SamplerConfig struct {
	CycleTime      time.Duration `yaml:"cycle_time"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type WebConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type DatadogConfig struct {
	Enabled   bool     `yaml:"enabled"`
	AgentAddr string   `yaml:"agent_addr"`
	Namespace string   `yaml:"namespace"`
	Tags      []string `yaml:"tags"`
}

type NtfyConfig struct {
	Server string `yaml:"server"`
	Topic  string `yaml:"topic"`
}

type Config struct {
	ConfigFile string        `yaml:"-"`
	LogLevel   zerolog.Level `yaml:"-"`

	LogLevelName string `yaml:"log_level"`
	LogFile      string `yaml:"log_file"`
	DatabasePath string `yaml:"database_path"`

	PLC     PLCConfig      `yaml:"plc"`
	Sampler SamplerConfig  `yaml:"sampler"`
	Web     WebConfig      `yaml:"web"`
	Devices []model.Device `yaml:"devices"`
	Layout  decoder.Layout `yaml:"layout"`

	MQTT    MQTTConfig    `yaml:"mqtt"`
	Datadog DatadogConfig `yaml:"datadog"`
	Ntfy    NtfyConfig    `yaml:"ntfy"`
}

// Load builds the configuration from, in rising precedence: defaults, the
// yaml file, environment variables and command line flags.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("pump-monitor", pflag.ContinueOnError)
	configFile := fs.String("config", "", "Path to yaml config file")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	logFile := fs.String("log-file", "", "Append logs to this file instead of stderr")
	dbPath := fs.String("db", "", "Path to the sqlite event database")
	port := fs.Int("port", 0, "HTTP listen port")
	plcAddr := fs.String("plc", "", "PLC address (host or host:port)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var cfg Config
	if *configFile != "" {
		raw, err := os.ReadFile(*configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		var present struct {
			PLC struct {
				Slot *int `yaml:"slot"`
			} `yaml:"plc"`
		}
		if err := yaml.Unmarshal(raw, &present); err == nil && present.PLC.Slot != nil {
			cfg.PLC.slotSet = true
		}
		cfg.ConfigFile = *configFile
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if fs.Changed("log-level") {
		cfg.LogLevelName = *logLevel
	}
	if fs.Changed("log-file") {
		cfg.LogFile = *logFile
	}
	if fs.Changed("db") {
		cfg.DatabasePath = *dbPath
	}
	if fs.Changed("port") {
		cfg.Web.Port = *port
	}
	if fs.Changed("plc") {
		cfg.PLC.Address = *plcAddr
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("PLC_ADDRESS", &c.PLC.Address)
	num("PLC_RACK", &c.PLC.Rack)
	num("PLC_SLOT", &c.PLC.Slot)
	if v, ok := lookup("PLC_SLOT"); ok && v != "" {
		c.PLC.slotSet = true
	}
	num("PLC_DB_NUMBER", &c.PLC.DBNumber)
	dur("CYCLE_TIME", &c.Sampler.CycleTime)
	dur("RECONNECT_DELAY", &c.Sampler.ReconnectDelay)
	str("DATABASE_PATH", &c.DatabasePath)
	num("WEB_PORT", &c.Web.Port)
	str("LOG_LEVEL", &c.LogLevelName)
	str("NTFY_TOPIC", &c.Ntfy.Topic)

	return errors.Join(errs...)
}

// parseDuration accepts Go durations ("500ms") and bare seconds ("0.5").
func parseDuration(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func (c *Config) applyDefaults() {
	if c.LogLevelName == "" {
		c.LogLevelName = "info"
	}
	c.LogLevel = parseLogLevel(c.LogLevelName)
	if c.DatabasePath == "" {
		c.DatabasePath = "pump_logs.db"
	}

	if c.PLC.Address == "" {
		c.PLC.Address = "192.168.200.20"
	}
	if !c.PLC.slotSet {
		c.PLC.Slot = 1
		c.PLC.slotSet = true
	}
	if c.PLC.DBNumber == 0 {
		c.PLC.DBNumber = 39
	}
	if c.PLC.ErrorThreshold == 0 {
		c.PLC.ErrorThreshold = 3
	}
	if c.PLC.ConnectTimeout == 0 {
		c.PLC.ConnectTimeout = 5 * time.Second
	}
	if c.PLC.IdleTimeout == 0 {
		c.PLC.IdleTimeout = 60 * time.Second
	}

	if c.Sampler.CycleTime == 0 {
		c.Sampler.CycleTime = 500 * time.Millisecond
	}
	if c.Sampler.ReconnectDelay == 0 {
		c.Sampler.ReconnectDelay = 2 * time.Second
	}

	if c.Web.Host == "" {
		c.Web.Host = "0.0.0.0"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 5050
	}

	if len(c.Devices) == 0 {
		c.Devices = model.DefaultDevices()
	}
	if len(c.Layout.Devices) == 0 {
		c.Layout = decoder.DefaultLayout()
	}
	if c.PLC.Length == 0 {
		c.PLC.Length = c.Layout.BlockLength
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "pump-monitor"
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "challawa/pumps"
	}
	if c.Datadog.AgentAddr == "" {
		c.Datadog.AgentAddr = "127.0.0.1:8125"
	}
	if c.Datadog.Namespace == "" {
		c.Datadog.Namespace = "pump_monitor."
	}
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (c *Config) validate() error {
	var errs []error

	if c.Sampler.CycleTime < 0 {
		errs = append(errs, errors.New("sampler.cycle_time must be positive"))
	}
	if c.Sampler.ReconnectDelay < 0 {
		errs = append(errs, errors.New("sampler.reconnect_delay must be positive"))
	}
	if c.PLC.ErrorThreshold < 1 {
		errs = append(errs, errors.New("plc.max_read_errors must be at least 1"))
	}
	if c.Web.Port < 1 || c.Web.Port > 65535 {
		errs = append(errs, fmt.Errorf("web.port %d out of range", c.Web.Port))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d invalid", c.MQTT.QoS))
	}

	if err := c.Layout.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("layout: %w", err))
	}
	if c.PLC.Length < c.Layout.BlockLength {
		errs = append(errs, fmt.Errorf("plc.length %d shorter than layout block length %d", c.PLC.Length, c.Layout.BlockLength))
	}

	names := make(map[int]bool, len(c.Devices))
	for _, d := range c.Devices {
		if names[d.ID] {
			errs = append(errs, fmt.Errorf("device %d configured twice", d.ID))
		}
		names[d.ID] = true
	}
	for _, id := range c.Layout.DeviceIDs() {
		if !names[id] {
			errs = append(errs, fmt.Errorf("layout device %d has no entry in devices", id))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ListenAddr is the HTTP bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Web.Host, c.Web.Port)
}
