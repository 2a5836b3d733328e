package membrane

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/xorspace/membrane/src/common"
	"github.com/xorspace/membrane/src/node"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the node's
	// private key
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the
	// Badger database
	DefaultBadgerFile = "badger_db"

	// DefaultLogFile is the default name of the file receiving a copy of the
	// log output
	DefaultLogFile = "membrane.log"
)

// Default configuration values.
const (
	DefaultLogLevel     = "debug"
	DefaultBindAddr     = "127.0.0.1:2377"
	DefaultServiceAddr  = "127.0.0.1:8090"
	DefaultTCPTimeout   = 1000 * time.Millisecond
	DefaultMaxPool      = 2
	DefaultMaxAERetries = 3
	DefaultJoinAge      = 5
	DefaultStore        = false
)

// Config contains all the configuration properties of a Membrane node.
type Config struct {
	// DataDir is the top-level directory containing Membrane configuration
	// and data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile enables a copy of the log output in DataDir/membrane.log.
	LogFile bool `mapstructure:"log-file"`

	// BindAddr is the local address:port where this node talks to other
	// nodes. In some cases there may be a routable address that cannot be
	// bound; use AdvertiseAddr to advertise a different address.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the address that we advertise to other
	// nodes.
	AdvertiseAddr string `mapstructure:"advertise"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the optional HTTP service.
	ServiceAddr string `mapstructure:"service-listen"`

	// MaxPool controls how many connections are pooled per target.
	MaxPool int `mapstructure:"max-pool"`

	// TCPTimeout is the timeout of outbound connections.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// MaxAERetries caps how often the same bounced message is resent to the
	// same peer in response to anti-entropy replies.
	MaxAERetries int `mapstructure:"max-ae-retries"`

	// JoinAge is the age recorded for the bootstrap member when genesis is
	// set.
	JoinAge int `mapstructure:"join-age"`

	// Genesis makes this node start a brand new network instead of loading
	// an existing one from the database.
	Genesis bool `mapstructure:"genesis"`

	// Store activates persistent storage.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// Moniker defines the friendly name of this node.
	Moniker string `mapstructure:"moniker"`

	// Key is the private key of the node.
	Key *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	return &Config{
		DataDir:      DefaultDataDir(),
		LogLevel:     DefaultLogLevel,
		BindAddr:     DefaultBindAddr,
		ServiceAddr:  DefaultServiceAddr,
		TCPTimeout:   DefaultTCPTimeout,
		MaxPool:      DefaultMaxPool,
		MaxAERetries: DefaultMaxAERetries,
		JoinAge:      DefaultJoinAge,
		Store:        DefaultStore,
		DatabaseDir:  DefaultDatabaseDir(),
	}
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t *testing.T) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t)
	return config
}

// SetDataDir sets the top-level Membrane directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitely
// set it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// NodeConfig derives the node-level configuration.
func (c *Config) NodeConfig() *node.Config {
	return node.NewConfig(c.TCPTimeout, c.MaxAERetries, uint8(c.JoinAge), c.baseLogger())
}

// Logger returns a formatted logrus Entry with prefix set to "membrane".
func (c *Config) Logger() *logrus.Entry {
	return c.baseLogger().WithField("prefix", "membrane")
}

func (c *Config) baseLogger() *logrus.Logger {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile {
			logFile := filepath.Join(c.DataDir, DefaultLogFile)
			if _, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY, 0666); err != nil {
				c.logger.Infof("Failed to open %s, using stderr only", logFile)
			} else {
				c.logger.Hooks.Add(lfshook.NewHook(
					lfshook.PathMap{
						logrus.InfoLevel:  logFile,
						logrus.WarnLevel:  logFile,
						logrus.ErrorLevel: logFile,
					},
					&logrus.TextFormatter{},
				))
			}
		}
	}
	return c.logger
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir returns the default directory name for top-level Membrane
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".membrane")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Membrane")
		} else {
			return filepath.Join(home, ".membrane")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
