package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/voku/bouncehandler/pkg/base"
	"gopkg.in/yaml.v3"
)

const (
	envIMAPHost     = "BOUNCEHANDLER_IMAP_HOST"
	envIMAPPort     = "BOUNCEHANDLER_IMAP_PORT"
	envIMAPUser     = "BOUNCEHANDLER_IMAP_USER"
	envIMAPPass     = "BOUNCEHANDLER_IMAP_PASS"
	envIMAPSecurity = "BOUNCEHANDLER_IMAP_SECURITY"
)

// cutoffLayout is the wire format of the delete_before option.
const cutoffLayout = "2006-01-02"

// Config holds the non-secret processing policy loaded from YAML.
type Config struct {
	Folder            string `yaml:"folder"`
	MaxMessages       int    `yaml:"max_messages"`
	TestMode          bool   `yaml:"test_mode"`
	DisableDelete     bool   `yaml:"disable_delete"`
	PurgeUnprocessed  bool   `yaml:"purge_unprocessed"`
	MoveHard          bool   `yaml:"move_hard"`
	HardFolder        string `yaml:"hard_folder"`
	MoveSoft          bool   `yaml:"move_soft"`
	SoftFolder        string `yaml:"soft_folder"`
	MoveUnprocessed   *bool  `yaml:"move_unprocessed"`
	UnprocessedFolder string `yaml:"unprocessed_folder"`
	DeleteBefore      string `yaml:"delete_before"`
	HeaderDetection   bool   `yaml:"header_detection"`
	Verbosity         string `yaml:"verbosity"`
	DebugDSNRules     bool   `yaml:"debug_dsn_rules"`
	DebugBodyRules    bool   `yaml:"debug_body_rules"`
}

// IMAPEnv holds the IMAP connection details from environment variables.
type IMAPEnv struct {
	Host     string
	Port     int
	User     string
	Pass     string
	Security string // "tls" (default), "starttls" or "none"
}

// Addr formats the dial target.
func (e IMAPEnv) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// ApplyDefaults fills in the documented option defaults.
func ApplyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Folder) == "" {
		cfg.Folder = "INBOX"
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = base.DefaultMaxMessages
	}
	if strings.TrimSpace(cfg.HardFolder) == "" {
		cfg.HardFolder = base.DefaultHardFolder
	}
	if strings.TrimSpace(cfg.SoftFolder) == "" {
		cfg.SoftFolder = base.DefaultSoftFolder
	}
	if strings.TrimSpace(cfg.UnprocessedFolder) == "" {
		cfg.UnprocessedFolder = base.DefaultUnprocessedFolder
	}
	if strings.TrimSpace(cfg.Verbosity) == "" {
		cfg.Verbosity = "simple"
	}
}

// MoveUnprocessedEnabled reports the move_unprocessed toggle, which defaults
// to true when the option is absent from the file.
func (c Config) MoveUnprocessedEnabled() bool {
	if c.MoveUnprocessed == nil {
		return true
	}
	return *c.MoveUnprocessed
}

// CutoffDate parses the delete_before option. The boolean is false when no
// cutoff is configured.
func (c Config) CutoffDate() (time.Time, bool, error) {
	raw := strings.TrimSpace(c.DeleteBefore)
	if raw == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(cutoffLayout, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid delete_before %q: %w", raw, err)
	}
	return t, true, nil
}

// VerbosityLevel maps the verbosity option onto the run levels.
func (c Config) VerbosityLevel() (base.Verbosity, error) {
	switch strings.ToLower(strings.TrimSpace(c.Verbosity)) {
	case "", "quiet":
		return base.VerboseQuiet, nil
	case "simple":
		return base.VerboseSimple, nil
	case "report":
		return base.VerboseReport, nil
	case "debug":
		return base.VerboseDebug, nil
	default:
		return base.VerboseQuiet, fmt.Errorf("unknown verbosity %q", c.Verbosity)
	}
}

// Validate performs basic validation on non-secret config.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Folder) == "" {
		return errors.New("config must define a folder")
	}
	if cfg.MoveHard && strings.TrimSpace(cfg.HardFolder) == "" {
		return errors.New("move_hard requires hard_folder")
	}
	if cfg.MoveSoft && strings.TrimSpace(cfg.SoftFolder) == "" {
		return errors.New("move_soft requires soft_folder")
	}
	if cfg.MoveUnprocessedEnabled() && strings.TrimSpace(cfg.UnprocessedFolder) == "" {
		return errors.New("move_unprocessed requires unprocessed_folder")
	}
	if _, _, err := cfg.CutoffDate(); err != nil {
		return err
	}
	if _, err := cfg.VerbosityLevel(); err != nil {
		return err
	}
	return nil
}

// IMAPEnvFromEnv loads IMAP connection details and validates required entries.
func IMAPEnvFromEnv() (IMAPEnv, error) {
	missing := []string{}

	host := strings.TrimSpace(os.Getenv(envIMAPHost))
	if host == "" {
		missing = append(missing, envIMAPHost)
	}

	portRaw := strings.TrimSpace(os.Getenv(envIMAPPort))
	if portRaw == "" {
		missing = append(missing, envIMAPPort)
	}

	user := strings.TrimSpace(os.Getenv(envIMAPUser))
	if user == "" {
		missing = append(missing, envIMAPUser)
	}

	pass := strings.TrimSpace(os.Getenv(envIMAPPass))
	if pass == "" {
		missing = append(missing, envIMAPPass)
	}

	if len(missing) > 0 {
		return IMAPEnv{}, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	port, err := strconv.Atoi(portRaw)
	if err != nil {
		return IMAPEnv{}, fmt.Errorf("invalid %s: %w", envIMAPPort, err)
	}

	security := strings.ToLower(strings.TrimSpace(os.Getenv(envIMAPSecurity)))
	switch security {
	case "":
		security = "tls"
	case "tls", "starttls", "none":
	default:
		return IMAPEnv{}, fmt.Errorf("invalid %s: %q", envIMAPSecurity, security)
	}

	return IMAPEnv{
		Host:     host,
		Port:     port,
		User:     user,
		Pass:     pass,
		Security: security,
	}, nil
}

// Summary returns a concise config summary for validation runs.
func Summary(cfg Config) string {
	cutoff := "(not set)"
	if strings.TrimSpace(cfg.DeleteBefore) != "" {
		cutoff = cfg.DeleteBefore
	}
	return fmt.Sprintf(
		"Config summary\n"+
			"- folder: %s\n"+
			"- max messages: %d\n"+
			"- test mode: %t\n"+
			"- move hard/soft: %t/%t\n"+
			"- move unprocessed: %t\n"+
			"- global delete before: %s",
		cfg.Folder,
		cfg.MaxMessages,
		cfg.TestMode,
		cfg.MoveHard,
		cfg.MoveSoft,
		cfg.MoveUnprocessedEnabled(),
		cutoff,
	)
}
