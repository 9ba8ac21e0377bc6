//go:build linux

package cmd

import (
	"github.com/smazurov/v4l2shim/internal/logging"
	"github.com/smazurov/v4l2shim/pkg/shim"
	"github.com/spf13/pflag"
)

// Options shared by every command. Flag names follow the field names
// (LoggingLevel is --logging-level) so config.LoadConfig can tell which
// ones were set on the command line.
type Options struct {
	Config string

	Device      string `toml:"device.path" env:"DEVICE"`
	NoConvert   bool   `toml:"device.no_convert" env:"NO_CONVERT"`
	ReadBuffers int    `toml:"shim.read_buffers" env:"READ_BUFFERS"`

	LoggingLevel   string            `toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat  string            `toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingFile    string            `toml:"logging.file" env:"LOGGING_FILE"`
	LoggingJournal bool              `toml:"logging.journal" env:"LOGGING_JOURNAL"`
	LoggingModules map[string]string `toml:"logging.modules" env:"LOGGING_MODULES"`

	MetricsAddr string `toml:"metrics.addr" env:"METRICS_ADDR"`
}

func (o *Options) bindPersistent(fs *pflag.FlagSet) {
	fs.StringVarP(&o.Config, "config", "c", "", "Path to TOML configuration file")
	fs.StringVarP(&o.Device, "device", "d", "/dev/video0", "Capture device")
	fs.BoolVar(&o.NoConvert, "no-convert", false, "Expose native formats only")
	fs.IntVar(&o.ReadBuffers, "read-buffers", shim.DefaultReadBuffers, "Buffers used to emulate read()")
	fs.StringVar(&o.LoggingLevel, "logging-level", "info", "Global logging level (debug, info, warn, error)")
	fs.StringVar(&o.LoggingFormat, "logging-format", "text", "Logging format (text, json)")
	fs.StringVar(&o.LoggingFile, "logging-file", "", "Write diagnostics to this file instead of stderr")
	fs.BoolVar(&o.LoggingJournal, "logging-journal", false, "Also send logs to the systemd journal")
}

func (o *Options) loggingConfig() logging.Config {
	return logging.Config{
		Level:   o.LoggingLevel,
		Format:  o.LoggingFormat,
		File:    o.LoggingFile,
		Journal: o.LoggingJournal,
		Modules: o.LoggingModules,
	}
}

func (o *Options) sessionFlags() shim.Flags {
	if o.NoConvert {
		return shim.DisableConversion
	}
	return 0
}
