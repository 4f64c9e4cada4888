package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags
type Flags struct {
	LogLevel        string
	LogFormat       string
	LogFile         string
	DebugRTSP       bool
	DebugMP4        bool
	DebugCatalog    bool
	DebugRecorder   bool
	DebugShutdown   bool
	DebugSupervisor bool
	DebugAll        bool
}

// RegisterFlags registers logging flags with the given FlagSet
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info",
		"Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text",
		"Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "",
		"Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "",
		"Log output file path (shorthand)")

	fs.BoolVar(&f.DebugRTSP, "debug-rtsp", false,
		"Enable RTSP session debugging (DESCRIBE/SETUP/PLAY, reconnects)")
	fs.BoolVar(&f.DebugMP4, "debug-mp4", false,
		"Enable segment writer debugging (state transitions, part boundaries)")
	fs.BoolVar(&f.DebugCatalog, "debug-catalog", false,
		"Enable catalog transaction debugging")
	fs.BoolVar(&f.DebugRecorder, "debug-recorder", false,
		"Enable stream recorder debugging (rotation, backoff)")
	fs.BoolVar(&f.DebugShutdown, "debug-shutdown", false,
		"Enable shutdown coordinator debugging")
	fs.BoolVar(&f.DebugSupervisor, "debug-supervisor", false,
		"Enable supervisor reconciliation debugging")
	fs.BoolVar(&f.DebugAll, "debug-all", false,
		"Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	cfg.OutputFile = f.LogFile

	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		cfg.Level = LevelDebug
	} else {
		if f.DebugRTSP {
			cfg.EnableCategory(DebugRTSP)
			cfg.Level = LevelDebug
		}
		if f.DebugMP4 {
			cfg.EnableCategory(DebugMP4)
			cfg.Level = LevelDebug
		}
		if f.DebugCatalog {
			cfg.EnableCategory(DebugCatalog)
			cfg.Level = LevelDebug
		}
		if f.DebugRecorder {
			cfg.EnableCategory(DebugRecorder)
			cfg.Level = LevelDebug
		}
		if f.DebugShutdown {
			cfg.EnableCategory(DebugShutdown)
			cfg.Level = LevelDebug
		}
		if f.DebugSupervisor {
			cfg.EnableCategory(DebugSupervisor)
			cfg.Level = LevelDebug
		}
	}

	return cfg, nil
}

// PrintUsageExamples prints usage examples for logging flags
func PrintUsageExamples() {
	examples := `
Logging Examples:

  Basic usage (INFO level, text format to stdout):
    ./lightnvr

  Enable DEBUG level:
    ./lightnvr --log-level debug
    ./lightnvr -l debug

  Log to file:
    ./lightnvr --log-file lightnvr.log
    ./lightnvr -o lightnvr.log

  JSON format for structured logging:
    ./lightnvr --log-format json -o lightnvr.json

  Debug RTSP sessions only:
    ./lightnvr --debug-rtsp

  Debug segment rotation only:
    ./lightnvr --debug-mp4 --debug-recorder

  Debug everything:
    ./lightnvr --debug-all -o debug.log

  Production logging (WARN level, JSON to file):
    ./lightnvr -l warn --log-format json -o production.log
`
	fmt.Println(examples)
}

// String returns a string representation of enabled flags
func (f *Flags) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var debugCategories []string
	if f.DebugAll {
		debugCategories = append(debugCategories, "all")
	} else {
		if f.DebugRTSP {
			debugCategories = append(debugCategories, "rtsp")
		}
		if f.DebugMP4 {
			debugCategories = append(debugCategories, "mp4")
		}
		if f.DebugCatalog {
			debugCategories = append(debugCategories, "catalog")
		}
		if f.DebugRecorder {
			debugCategories = append(debugCategories, "recorder")
		}
		if f.DebugShutdown {
			debugCategories = append(debugCategories, "shutdown")
		}
		if f.DebugSupervisor {
			debugCategories = append(debugCategories, "supervisor")
		}
	}

	if len(debugCategories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(debugCategories, ",")))
	}

	return strings.Join(parts, " ")
}
