package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds process-wide configuration read by the Supervisor. The core
// itself never parses this file; it is handed a *Config by the entrypoint.
type Config struct {
	StoragePath      string
	MaxStorageGB     int
	RetentionDays    int
	AutoDeleteOldest bool
	Streams          []StreamBootstrap
}

// StreamBootstrap is one stream= line of the file, used to seed the
// catalog's streams table on first run. Subsequent changes go through the
// catalog, not this file.
type StreamBootstrap struct {
	Name            string
	URL             string
	SegmentDuration int
	RecordAudio     bool
	Enabled         bool
	OutputDir       string
}

// Load reads configuration from a key=value file, plus repeated stream=
// lines describing the bootstrap stream list.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	cfg := &Config{
		MaxStorageGB:  0,
		RetentionDays: 30,
	}
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "storage_path":
			cfg.StoragePath = value
		case "max_storage_gb":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("max_storage_gb: %w", err)
			}
			cfg.MaxStorageGB = n
		case "retention_days":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("retention_days: %w", err)
			}
			cfg.RetentionDays = n
		case "auto_delete_oldest":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("auto_delete_oldest: %w", err)
			}
			cfg.AutoDeleteOldest = b
		case "stream":
			sb, err := parseStreamBootstrap(value)
			if err != nil {
				return nil, fmt.Errorf("stream line %q: %w", value, err)
			}
			cfg.Streams = append(cfg.Streams, sb)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseStreamBootstrap parses "name,url,segment_duration,record_audio,enabled,output_dir"
func parseStreamBootstrap(value string) (StreamBootstrap, error) {
	fields := strings.Split(value, ",")
	if len(fields) != 6 {
		return StreamBootstrap{}, fmt.Errorf("expected 6 comma-separated fields, got %d", len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	duration, err := strconv.Atoi(fields[2])
	if err != nil {
		return StreamBootstrap{}, fmt.Errorf("segment_duration: %w", err)
	}
	recordAudio, err := strconv.ParseBool(fields[3])
	if err != nil {
		return StreamBootstrap{}, fmt.Errorf("record_audio: %w", err)
	}
	enabled, err := strconv.ParseBool(fields[4])
	if err != nil {
		return StreamBootstrap{}, fmt.Errorf("enabled: %w", err)
	}

	return StreamBootstrap{
		Name:            fields[0],
		URL:             fields[1],
		SegmentDuration: duration,
		RecordAudio:     recordAudio,
		Enabled:         enabled,
		OutputDir:       fields[5],
	}, nil
}

// Validate checks that all required configuration fields are present.
func (c *Config) Validate() error {
	if c.StoragePath == "" {
		return fmt.Errorf("missing storage_path")
	}
	if c.MaxStorageGB < 0 {
		return fmt.Errorf("max_storage_gb must be >= 0")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention_days must be >= 0")
	}
	for i, s := range c.Streams {
		if s.Name == "" {
			return fmt.Errorf("stream %d: missing name", i)
		}
		if s.URL == "" {
			return fmt.Errorf("stream %q: missing url", s.Name)
		}
		if s.SegmentDuration < 1 {
			return fmt.Errorf("stream %q: segment_duration must be >= 1", s.Name)
		}
	}
	return nil
}
