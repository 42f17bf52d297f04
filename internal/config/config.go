package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	AETitle                string          `yaml:"aet"`
	Listen                 string          `yaml:"listen"`
	TransferCapabilityFile string          `yaml:"transfer_capability_file"`
	BindCallingAET         bool            `yaml:"bind_calling_aet"`
	AuthorizedCallers      []NodeConfig    `yaml:"authorized_callers"`
	ForwardRules           []ForwardRule   `yaml:"forward_rules"`
	Archive                ArchiveConfig   `yaml:"archive"`
	Connect                ConnectConfig   `yaml:"connect"`
	TLS                    TLSConfig       `yaml:"tls"`
	Logging                LoggingConfig   `yaml:"logging"`
}

// NodeConfig identifies a DICOM peer
type NodeConfig struct {
	AET              string `yaml:"aet"`
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	ValidateHostname bool   `yaml:"validate_hostname"`
}

// ForwardRule binds one inbound source to its destinations
type ForwardRule struct {
	Source       NodeConfig          `yaml:"source"`
	Destinations []DestinationConfig `yaml:"destinations"`
}

// DestinationConfig describes one forward target
type DestinationConfig struct {
	Type string `yaml:"type"` // dicom | stow | archive

	// DICOM destinations
	AET  string `yaml:"aet"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// PreferJPEG keeps JPEG-family input compressed on the way out
	PreferJPEG              bool `yaml:"prefer_jpeg"`
	RelationshipNegotiation bool `yaml:"relationship_negotiation"`

	// STOW destinations
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout"`

	// Editor options
	GenerateUIDs bool              `yaml:"generate_uids"`
	Overrides    map[string]string `yaml:"overrides"`
	Mask         *MaskConfig       `yaml:"mask"`
}

// MaskConfig blanks a rectangular pixel region on forwarded frames
type MaskConfig struct {
	X      int `yaml:"x"`
	Y      int `yaml:"y"`
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// ArchiveConfig enables terminal archiving of received instances
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseDir string `yaml:"base_dir"`
	Pattern string `yaml:"pattern"`
}

// ConnectConfig carries socket and DIMSE knobs; timeouts are in
// milliseconds. A zero connect, release or response timeout is replaced
// by its default (30000, 5000, 60000); for the others 0 means no timeout
type ConnectConfig struct {
	MaxOpsInvoked   int  `yaml:"max_ops_invoked"`
	MaxOpsPerformed int  `yaml:"max_ops_performed"`
	MaxPduLenRcv    int  `yaml:"max_pdu_len_rcv"`
	MaxPduLenSnd    int  `yaml:"max_pdu_len_snd"`
	PackPDV         bool `yaml:"pack_pdv"`
	Backlog         int  `yaml:"backlog"`
	TCPNoDelay      bool `yaml:"tcp_no_delay"`
	SndBuf          int  `yaml:"snd_buf"`
	RcvBuf          int  `yaml:"rcv_buf"`
	CloseDelay      int  `yaml:"close_delay"`
	ConnectTimeout  int  `yaml:"connect_timeout"`
	RequestTimeout  int  `yaml:"request_timeout"`
	AcceptTimeout   int  `yaml:"accept_timeout"`
	ReleaseTimeout  int  `yaml:"release_timeout"`
	ResponseTimeout int  `yaml:"response_timeout"`
	RetrieveTimeout int  `yaml:"retrieve_timeout"`
	IdleTimeout     int  `yaml:"idle_timeout"`
}

// TLSConfig points at the TLS material for inbound and outbound
// associations
type TLSConfig struct {
	Enabled            bool     `yaml:"enabled"`
	KeystoreFile       string   `yaml:"keystore_file"`
	KeystoreKeyFile    string   `yaml:"keystore_key_file"`
	TruststoreFile     string   `yaml:"truststore_file"`
	CipherSuites       []string `yaml:"cipher_suites"`
	Protocols          []string `yaml:"protocols"`
	RequireClientAuth  bool     `yaml:"require_client_auth"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from file
func LoadConfig(configPath string) (*Config, error) {
	// Check if file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Validate and set defaults
	if err := config.validateAndSetDefaults(); err != nil {
		return nil, err
	}

	return &config, nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, configPath string) error {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Marshal to YAML
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	config := &Config{
		AETitle: "DICOMRELAY",
		Listen:  "0.0.0.0:11112",
		Logging: LoggingConfig{
			Level:  "INFO",
			File:   "dicomrelay.log",
			Format: "json",
		},
	}
	config.validateAndSetDefaults()
	return config
}

// validateAndSetDefaults validates configuration and sets defaults
func (c *Config) validateAndSetDefaults() error {
	if c.AETitle == "" {
		c.AETitle = "DICOMRELAY"
	}
	if len(c.AETitle) > 16 {
		return fmt.Errorf("aet %q exceeds 16 characters", c.AETitle)
	}
	if c.Listen == "" {
		c.Listen = "0.0.0.0:11112"
	}

	for i := range c.ForwardRules {
		rule := &c.ForwardRules[i]
		if rule.Source.AET == "" {
			return fmt.Errorf("forward rule %d has no source aet", i)
		}
		if len(rule.Destinations) == 0 {
			return fmt.Errorf("forward rule for %s has no destinations", rule.Source.AET)
		}
		for j := range rule.Destinations {
			dest := &rule.Destinations[j]
			if dest.Type == "" {
				dest.Type = "dicom"
			}
			switch dest.Type {
			case "dicom":
				if dest.AET == "" || dest.Host == "" {
					return fmt.Errorf("dicom destination %d of %s needs aet and host", j, rule.Source.AET)
				}
				if dest.Port == 0 {
					dest.Port = 104
				}
			case "stow":
				if dest.URL == "" {
					return fmt.Errorf("stow destination %d of %s needs a url", j, rule.Source.AET)
				}
				if dest.TimeoutSeconds == 0 {
					dest.TimeoutSeconds = 30
				}
			case "archive":
			default:
				return fmt.Errorf("unknown destination type %q", dest.Type)
			}
		}
	}

	if c.Archive.Enabled && c.Archive.BaseDir == "" {
		c.Archive.BaseDir = "archive"
	}

	if c.Connect.MaxPduLenRcv == 0 {
		c.Connect.MaxPduLenRcv = 16384
	}
	if c.Connect.MaxPduLenSnd == 0 {
		c.Connect.MaxPduLenSnd = 16384
	}
	if c.Connect.ConnectTimeout == 0 {
		c.Connect.ConnectTimeout = 30000
	}
	if c.Connect.ReleaseTimeout == 0 {
		c.Connect.ReleaseTimeout = 5000
	}
	if c.Connect.ResponseTimeout == 0 {
		c.Connect.ResponseTimeout = 60000
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
