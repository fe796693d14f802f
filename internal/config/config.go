package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	appdefaults "github.com/saker-ai/smart-intercom/config"
	"github.com/saker-ai/smart-intercom/internal/logger"
	"github.com/saker-ai/smart-intercom/pkg/audio"
	"github.com/saker-ai/smart-intercom/pkg/intercom"
)

const (
	envPrefix      = "intercom"
	configFileName = "intercom"
	redacted       = "********"
)

// DeviceConfig describes one intercom device.
type DeviceConfig struct {
	ID          string `mapstructure:"id" yaml:"id"`
	Name        string `mapstructure:"name" yaml:"name"`
	Host        string `mapstructure:"host" yaml:"host"`
	Port        int    `mapstructure:"port" yaml:"port"`
	SecretKey   string `mapstructure:"secret_key" yaml:"secret_key"`
	UseSSL      bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
	EnableAudio *bool  `mapstructure:"enable_audio" yaml:"enable_audio,omitempty"`
}

// AudioEnabled reports whether audio is enabled, defaulting to true.
func (d DeviceConfig) AudioEnabled() bool {
	return d.EnableAudio == nil || *d.EnableAudio
}

// ReconnectConfig controls the reconnection supervisor.
type ReconnectConfig struct {
	InitialDelay     time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	OnInitialFailure bool          `mapstructure:"on_initial_failure" yaml:"on_initial_failure"`
}

// AudioConfig is the PCM format agreed with the device firmware.
type AudioConfig struct {
	SampleRate       int           `mapstructure:"sample_rate" yaml:"sample_rate"`
	Bits             int           `mapstructure:"bits" yaml:"bits"`
	Channels         int           `mapstructure:"channels" yaml:"channels"`
	ChunkSize        int           `mapstructure:"chunk_size" yaml:"chunk_size"`
	BufferFrames     int           `mapstructure:"buffer_frames" yaml:"buffer_frames"`
	KeepaliveTimeout time.Duration `mapstructure:"keepalive_timeout" yaml:"keepalive_timeout"`
}

// Format returns the audio format.
func (a AudioConfig) Format() audio.Format {
	return audio.Format{SampleRate: a.SampleRate, BitsPerSample: a.Bits, Channels: a.Channels}.Normalize()
}

// Config is the bridge configuration.
type Config struct {
	RootDir     string `mapstructure:"-" yaml:"-"`
	HTTPAddr    string `mapstructure:"http_addr" yaml:"http_addr"`
	DataDir     string `mapstructure:"data_dir" yaml:"data_dir"`
	DevicesDir  string `mapstructure:"devices_dir" yaml:"devices_dir"`
	TLSCertPath string `mapstructure:"tls_cert_path" yaml:"tls_cert_path"`
	TLSKeyPath  string `mapstructure:"tls_key_path" yaml:"tls_key_path"`
	TLSRequired bool   `mapstructure:"tls_required" yaml:"tls_required"`
	TLSDisable  bool   `mapstructure:"tls_disable" yaml:"tls_disable"`

	Host        string `mapstructure:"host" yaml:"host,omitempty"`
	Port        int    `mapstructure:"port" yaml:"port,omitempty"`
	SecretKey   string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`
	UseSSL      bool   `mapstructure:"use_ssl" yaml:"use_ssl,omitempty"`
	EnableAudio bool   `mapstructure:"enable_audio" yaml:"enable_audio"`

	Devices   []DeviceConfig  `mapstructure:"devices" yaml:"devices"`
	Reconnect ReconnectConfig `mapstructure:"reconnect" yaml:"reconnect"`
	Audio     AudioConfig     `mapstructure:"audio" yaml:"audio"`
	Log       logger.Config   `mapstructure:"log" yaml:"log"`
}

// Load reads the embedded defaults, an optional .env file, the config file
// at configPath (or intercom.yaml in the root directory when empty) and
// INTERCOM_* environment overrides.
func Load(configPath string) (Config, error) {
	rootDir, err := resolveRootDir(configPath)
	if err != nil {
		return Config{}, err
	}
	if err := godotenv.Load(filepath.Join(rootDir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(appdefaults.Default)); err != nil {
		return Config{}, fmt.Errorf("load embedded config: %w", err)
	}
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := strings.TrimSpace(configPath); path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(configFileName)
		v.AddConfigPath(rootDir)
		if err := v.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.RootDir = rootDir
	derivePaths(&cfg)

	profiles, err := ScanDeviceProfiles(cfg.DevicesDir)
	if err != nil {
		return Config{}, err
	}
	cfg.Devices = append(cfg.Devices, profiles...)
	applyDeviceShortcut(&cfg)
	normalizeDevices(&cfg)
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_addr", ":8125")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("devices_dir", "devices")
	v.SetDefault("tls_disable", true)
	v.SetDefault("port", intercom.DefaultPort)
	v.SetDefault("enable_audio", true)
	v.SetDefault("reconnect.initial_delay", intercom.DefaultReconnectInitialDelay)
	v.SetDefault("reconnect.max_delay", intercom.DefaultReconnectMaxDelay)
	v.SetDefault("reconnect.on_initial_failure", false)
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.bits", 16)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.chunk_size", intercom.DefaultChunkSize)
	v.SetDefault("audio.buffer_frames", audio.DefaultStreamCapacity)
	v.SetDefault("audio.keepalive_timeout", 5*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.stdout", true)
	v.SetDefault("log.file.enabled", true)
	v.SetDefault("log.file.path", "./data/logs")
	v.SetDefault("log.file.name", "intercomd.log")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 30)
	v.SetDefault("log.file.compress", true)
}

// applyDeviceShortcut turns the top-level host/secret_key pair into a device
// named "default" when no device list was configured.
func applyDeviceShortcut(cfg *Config) {
	if len(cfg.Devices) > 0 || strings.TrimSpace(cfg.Host) == "" {
		return
	}
	enable := cfg.EnableAudio
	cfg.Devices = []DeviceConfig{{
		ID:          "default",
		Host:        cfg.Host,
		Port:        cfg.Port,
		SecretKey:   cfg.SecretKey,
		UseSSL:      cfg.UseSSL,
		EnableAudio: &enable,
	}}
}

func normalizeDevices(cfg *Config) {
	for i := range cfg.Devices {
		d := &cfg.Devices[i]
		d.Host = strings.TrimSpace(d.Host)
		if d.ID == "" {
			d.ID = d.Host
		}
		d.ID = SanitizeID(d.ID)
		if d.Name == "" {
			d.Name = d.ID
		}
		if d.Port <= 0 {
			d.Port = intercom.DefaultPort
		}
	}
}

// Validate reports configuration errors that would prevent the bridge from
// reaching its devices.
func (c Config) Validate() error {
	var errs []error
	seen := make(map[string]struct{}, len(c.Devices))
	for i, d := range c.Devices {
		label := d.ID
		if label == "" {
			label = fmt.Sprintf("#%d", i)
		}
		if d.Host == "" {
			errs = append(errs, fmt.Errorf("device %s: host is required", label))
		}
		if d.SecretKey == "" {
			errs = append(errs, fmt.Errorf("device %s: secret_key is required", label))
		}
		if d.Port <= 0 || d.Port > 65535 {
			errs = append(errs, fmt.Errorf("device %s: port %d out of range", label, d.Port))
		}
		if _, dup := seen[d.ID]; dup {
			errs = append(errs, fmt.Errorf("device %s: duplicate id", label))
		}
		seen[d.ID] = struct{}{}
	}
	if c.Audio.Bits != 16 {
		errs = append(errs, fmt.Errorf("audio.bits must be 16, got %d", c.Audio.Bits))
	}
	if c.Audio.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_size must be positive"))
	}
	if c.Reconnect.InitialDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		errs = append(errs, fmt.Errorf("reconnect delays invalid: initial %s, max %s", c.Reconnect.InitialDelay, c.Reconnect.MaxDelay))
	}
	if c.TLSRequired && !c.TLSDisable && c.TLSCertPath != "" {
		if !fileExists(c.TLSCertPath) || !fileExists(c.TLSKeyPath) {
			errs = append(errs, fmt.Errorf("tls_required set but %s or %s is missing", c.TLSCertPath, c.TLSKeyPath))
		}
	}
	return errors.Join(errs...)
}

// Device returns the device with the given id.
func (c Config) Device(id string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return DeviceConfig{}, false
}

// ClientConfig builds the websocket client settings for d.
func (c Config) ClientConfig(d DeviceConfig) intercom.Config {
	return intercom.Config{
		DeviceID:                  d.ID,
		Host:                      d.Host,
		Port:                      d.Port,
		UseSSL:                    d.UseSSL,
		SecretKey:                 d.SecretKey,
		ChunkSize:                 c.Audio.ChunkSize,
		ReconnectInitialDelay:     c.Reconnect.InitialDelay,
		ReconnectMaxDelay:         c.Reconnect.MaxDelay,
		ReconnectOnInitialFailure: c.Reconnect.OnInitialFailure,
	}
}

// Redacted returns a copy with secret keys masked.
func (c Config) Redacted() Config {
	out := c
	if out.SecretKey != "" {
		out.SecretKey = redacted
	}
	out.Devices = make([]DeviceConfig, len(c.Devices))
	for i, d := range c.Devices {
		if d.SecretKey != "" {
			d.SecretKey = redacted
		}
		out.Devices[i] = d
	}
	return out
}

// YAML renders the configuration with secrets masked.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}

// LockPath is the single-instance lock file.
func (c Config) LockPath() string {
	return filepath.Join(c.DataDir, "intercomd.lock")
}

func resolveRootDir(configPath string) (string, error) {
	if root := strings.TrimSpace(os.Getenv("INTERCOM_ROOT_DIR")); root != "" {
		return filepath.Abs(root)
	}
	if path := strings.TrimSpace(configPath); path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", err
		}
		dir := filepath.Dir(abs)
		if filepath.Base(dir) == "config" {
			dir = filepath.Dir(dir)
		}
		return dir, nil
	}
	return os.Getwd()
}

func derivePaths(cfg *Config) {
	cfg.DataDir = resolvePath(cfg.RootDir, cfg.DataDir, "data")
	cfg.DevicesDir = resolvePath(cfg.RootDir, cfg.DevicesDir, "devices")
	if cfg.TLSCertPath != "" || cfg.TLSKeyPath != "" {
		cfg.TLSCertPath = resolvePath(cfg.RootDir, cfg.TLSCertPath, filepath.Join("certs", "server.crt"))
		cfg.TLSKeyPath = resolvePath(cfg.RootDir, cfg.TLSKeyPath, filepath.Join("certs", "server.key"))
	}
	if cfg.Log.File.Path != "" && !filepath.IsAbs(cfg.Log.File.Path) {
		cfg.Log.File.Path = filepath.Join(cfg.RootDir, cfg.Log.File.Path)
	}
}

// SanitizeID maps value onto [A-Za-z0-9._-], replacing other runes with
// underscores.
func SanitizeID(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "default"
	}
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_' || r == '-' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "._-")
	if out == "" {
		return "default"
	}
	return out
}

func resolvePath(rootDir string, configured string, fallback string) string {
	path := strings.TrimSpace(configured)
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(rootDir, path)
}
