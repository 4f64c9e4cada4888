package logger_test

import (
	"os"

	"github.com/lightnvr/lightnvr/pkg/logger"
)

// Example showing basic logger usage
func ExampleLogger_basic() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatText

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	log.Info("supervisor started", "streams", 2)
	log.Warn("segment closed under grace window", "stream", "driveway")
	log.Error("rtsp connect failed", "stream", "driveway", "error", "connection timeout")
}

// Example showing debug category usage
func ExampleLogger_categories() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelDebug
	cfg.EnableCategory(logger.DebugRTSP)
	cfg.EnableCategory(logger.DebugMP4)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	log.DebugRTSP("describe ok", "tracks", 2)
	log.DebugMP4("keyframe seen, entering RECORDING")
}

// Example showing JSON format output
func ExampleLogger_json() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatJSON
	cfg.OutputFile = "app.json"

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()
	defer os.Remove("app.json")

	log.Info("recording sealed",
		"stream", "driveway",
		"recording_id", 42,
		"size_bytes", 10485760)

	// Output will be in JSON format:
	// {"time":"...","level":"INFO","msg":"recording sealed","stream":"driveway","recording_id":42,"size_bytes":10485760}
}
