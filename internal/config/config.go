package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"
	pion "github.com/pion/webrtc/v4"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	DefaultSignalURL    = "http://localhost:5000"
	DefaultSTUN         = "stun:stun.l.google.com:19302"
	DefaultRelayTimeout = 10 * time.Second
	DefaultLogFile      = "duocall.log"

	EnvPrefix      = "DUOCALL"
	ConfigFileName = ".duocall"
)

// Keys shared by flags, environment (DUOCALL_ + upper snake case) and the
// config file.
const (
	KeySignalURL      = "signal-url"
	KeySignalPath     = "signal-path"
	KeyTransports     = "transports"
	KeyRelayTimeout   = "relay-timeout"
	KeyNoReconnect    = "no-reconnect"
	KeySTUN           = "stun"
	KeyTURN           = "turn"
	KeyTURNUser       = "turn-user"
	KeyTURNPass       = "turn-pass"
	KeyICEServersJSON = "ice-servers-json"
	KeyICEServersURL  = "ice-servers-url"
	KeyForceRelay     = "relay"
	KeyVideo          = "video"
	KeyAudio          = "audio"
	KeyRecordDir      = "record-dir"
	KeyName           = "name"
	KeyLogLevel       = "log-level"
	KeyLogFile        = "log-file"
)

var validTransports = map[string]bool{"websocket": true, "polling": true}

// Config holds the resolved application configuration.
type Config struct {
	// Relay endpoint
	SignalURL    string
	SignalPath   string
	Transports   []string
	RelayTimeout time.Duration
	Reconnect    bool

	// ICE servers for WebRTC
	STUNServer     string
	TURNServer     string
	TURNUser       string
	TURNPass       string
	ICEServersJSON string
	ICEServersURL  string
	ForceRelay     bool
	ICEServers     []pion.ICEServer

	// Local media sources and the remote sink directory
	VideoSource string
	AudioSource string
	RecordDir   string

	Name     string
	LogLevel string
	LogFile  string
}

// SetDefaults registers the lowest-priority values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeySignalURL, DefaultSignalURL)
	v.SetDefault(KeyTransports, []string{"websocket", "polling"})
	v.SetDefault(KeyRelayTimeout, DefaultRelayTimeout)
	v.SetDefault(KeySTUN, DefaultSTUN)
	v.SetDefault(KeyName, "duocall")
	v.SetDefault(KeyLogLevel, "error")
	v.SetDefault(KeyLogFile, DefaultLogFile)
}

// Load reads configuration with the following priority:
// 1. CLI flags bound to v - highest priority
// 2. Environment variables (DUOCALL_*, plus a .env file)
// 3. The config file (configFile, or ~/.duocall.yaml)
// 4. Defaults - lowest priority
func Load(v *viper.Viper, configFile string) (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	// LOG_LEVEL is shared with the logging package and has no prefix.
	_ = v.BindEnv(KeyLogLevel, "LOG_LEVEL")
	SetDefaults(v)

	if err := readConfigFile(v, configFile); err != nil {
		return nil, err
	}

	cfg := &Config{
		SignalURL:      strings.TrimSpace(v.GetString(KeySignalURL)),
		SignalPath:     strings.TrimSpace(v.GetString(KeySignalPath)),
		Transports:     splitList(v.GetStringSlice(KeyTransports)),
		RelayTimeout:   v.GetDuration(KeyRelayTimeout),
		Reconnect:      !v.GetBool(KeyNoReconnect),
		STUNServer:     v.GetString(KeySTUN),
		TURNServer:     v.GetString(KeyTURN),
		TURNUser:       v.GetString(KeyTURNUser),
		TURNPass:       v.GetString(KeyTURNPass),
		ICEServersJSON: v.GetString(KeyICEServersJSON),
		ICEServersURL:  strings.TrimSpace(v.GetString(KeyICEServersURL)),
		ForceRelay:     v.GetBool(KeyForceRelay),
		VideoSource:    strings.TrimSpace(v.GetString(KeyVideo)),
		AudioSource:    strings.TrimSpace(v.GetString(KeyAudio)),
		RecordDir:      strings.TrimSpace(v.GetString(KeyRecordDir)),
		Name:           v.GetString(KeyName),
		LogLevel:       v.GetString(KeyLogLevel),
		LogFile:        v.GetString(KeyLogFile),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	servers, err := parseICEServersFromValues(cfg.ICEServersJSON, cfg.STUNServer, cfg.TURNServer, cfg.TURNUser, cfg.TURNPass)
	if err != nil {
		return nil, err
	}
	cfg.ICEServers = servers

	return cfg, nil
}

func readConfigFile(v *viper.Viper, configFile string) error {
	if configFile != "" {
		path, err := homedir.Expand(configFile)
		if err != nil {
			return fmt.Errorf("config file: %w", err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	home, err := homedir.Dir()
	if err != nil {
		return nil
	}
	v.AddConfigPath(home)
	v.SetConfigName(ConfigFileName)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.SignalURL == "" {
		return errors.New("signal url must not be empty")
	}
	if len(c.Transports) == 0 {
		return errors.New("at least one relay transport is required")
	}
	for _, t := range c.Transports {
		if !validTransports[t] {
			return fmt.Errorf("unknown relay transport %q (want websocket or polling)", t)
		}
	}
	if c.RelayTimeout <= 0 {
		return fmt.Errorf("relay timeout must be positive, got %s", c.RelayTimeout)
	}
	return nil
}

// ICETransportPolicy returns relay-only when TURN is forced.
func (c *Config) ICETransportPolicy() pion.ICETransportPolicy {
	if c.ForceRelay {
		return pion.ICETransportPolicyRelay
	}
	return pion.ICETransportPolicyAll
}

// CheckRelay reports an error when TURN is forced without a TURN server.
func (c *Config) CheckRelay() error {
	if !c.ForceRelay {
		return nil
	}
	for _, s := range c.ICEServers {
		if iceServerHasTURNURL(s) {
			return nil
		}
	}
	return errors.New("--relay requires a TURN server")
}

// HasVideo reports whether a video source is configured.
func (c *Config) HasVideo() bool { return c.VideoSource != "" }

// HasAudio reports whether an audio source is configured.
func (c *Config) HasAudio() bool { return c.AudioSource != "" }

// splitList accepts both YAML lists and comma-separated strings.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		out = append(out, splitCommaSeparated(v)...)
	}
	return out
}
