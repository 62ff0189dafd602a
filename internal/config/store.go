package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gopkg.in/ini.v1"

	"aires/internal/types"
)

// envPrefix is the environment overlay prefix: AIRES_SECTION__KEY=value.
const envPrefix = "AIRES_"

// Store is the hot-reloadable config store. Get is lock-free; Reload and
// Set serialize behind a process-wide mutex and an exclusive file lock.
type Store struct {
	path     string
	logger   *zap.Logger
	snapshot atomic.Pointer[Config]
	reloadMu sync.Mutex
}

// NewStore loads the INI file at path and returns a ready store. A missing
// file is not an error: defaults apply and the health probe reports it.
// An unreadable or unparseable existing file returns CONFIG_LOAD_ERROR.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	s := &Store{path: path, logger: logger.Named("config")}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the INI file path this store reads and writes.
func (s *Store) Path() string {
	return s.path
}

// Get returns the current immutable snapshot. Callers must not mutate it.
func (s *Store) Get() *Config {
	return s.snapshot.Load()
}

// Reload re-reads the file, applies the AIRES_ environment overlay, and
// atomically swaps the snapshot. Concurrent Get callers observe either the
// old or the new snapshot in its entirety.
func (s *Store) Reload() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	cfg, err := s.load()
	if err != nil {
		return err
	}
	s.snapshot.Store(cfg)
	return nil
}

// Set rewrites one key in the INI file, preserving comments and unrelated
// lines, then reloads. The read-modify-write cycle holds an exclusive file
// lock so concurrent writers from other processes cannot interleave.
func (s *Store) Set(section, key, value string) error {
	s.reloadMu.Lock()
	err := s.setLocked(section, key, value)
	s.reloadMu.Unlock()
	if err != nil {
		return err
	}
	return s.Reload()
}

func (s *Store) setLocked(section, key, value string) error {
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return types.NewError(types.CodeConfigLoadError, "open config for write", err)
	}
	defer f.Close()

	if err := lockFile(f); err != nil {
		return types.NewError(types.CodeConfigLoadError, "lock config file", err)
	}
	defer unlockFile(f)

	file, err := ini.Load(s.path)
	if err != nil {
		return types.NewError(types.CodeConfigLoadError, "parse config for write", err)
	}

	sec := findSection(file, section)
	if sec == nil {
		sec, err = file.NewSection(section)
		if err != nil {
			return types.NewError(types.CodeConfigLoadError, "create section", err)
		}
	}
	if k := findKey(sec, key); k != nil {
		k.SetValue(value)
	} else {
		if _, err := sec.NewKey(key, value); err != nil {
			return types.NewError(types.CodeConfigLoadError, "create key", err)
		}
	}

	if err := file.SaveTo(s.path); err != nil {
		return types.NewError(types.CodeConfigLoadError, "save config", err)
	}
	return nil
}

// load reads the file into a fresh snapshot. Typed binding problems are
// collected as warnings and the declared defaults stand in.
func (s *Store) load() (*Config, error) {
	var file *ini.File
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		s.logger.Warn("config file missing, running on defaults", zap.String("path", s.path))
		file = ini.Empty()
	} else {
		file, err = ini.Load(s.path)
		if err != nil {
			return nil, types.NewError(types.CodeConfigLoadError, "load config file", err)
		}
	}

	applyEnvOverlay(file)

	b := &binder{file: file, logger: s.logger}
	cfg := Default()

	dir := cfg.Directories
	cfg.Directories = DirectoriesConfig{
		InputDirectory:  b.str("Directories", "InputDirectory", dir.InputDirectory),
		OutputDirectory: b.str("Directories", "OutputDirectory", dir.OutputDirectory),
		TempDirectory:   b.str("Directories", "TempDirectory", dir.TempDirectory),
		AlertDirectory:  b.str("Directories", "AlertDirectory", dir.AlertDirectory),
		LogDirectory:    b.str("Directories", "LogDirectory", dir.LogDirectory),
	}

	ai := cfg.AIServices
	cfg.AIServices = AIServicesConfig{
		OllamaBaseURL:            b.str("AI_Services", "OllamaBaseUrl", ai.OllamaBaseURL),
		OllamaTimeout:            b.duration("AI_Services", "OllamaTimeout", ai.OllamaTimeout),
		MistralModel:             b.str("AI_Services", "MistralModel", ai.MistralModel),
		DeepSeekModel:            b.str("AI_Services", "DeepSeekModel", ai.DeepSeekModel),
		CodeGemmaModel:           b.str("AI_Services", "CodeGemmaModel", ai.CodeGemmaModel),
		Gemma2Model:              b.str("AI_Services", "Gemma2Model", ai.Gemma2Model),
		ModelTemperature:         b.float("AI_Services", "ModelTemperature", ai.ModelTemperature),
		ModelMaxTokens:           b.integer("AI_Services", "ModelMaxTokens", ai.ModelMaxTokens),
		ModelTopP:                b.float("AI_Services", "ModelTopP", ai.ModelTopP),
		EnableGpuLoadBalancing:   b.boolean("AI_Services", "EnableGpuLoadBalancing", ai.EnableGpuLoadBalancing),
		GpuEndpoints:             b.list("AI_Services", "GpuEndpoints", ai.GpuEndpoints),
		MaxConcurrentPerEndpoint: b.integer("AI_Services", "MaxConcurrentPerEndpoint", ai.MaxConcurrentPerEndpoint),
	}

	pl := cfg.Pipeline
	cfg.Pipeline = PipelineConfig{
		MaxRetries:               b.integer("Pipeline", "MaxRetries", pl.MaxRetries),
		RetryDelay:               b.duration("Pipeline", "RetryDelay", pl.RetryDelay),
		EnableParallelProcessing: b.boolean("Pipeline", "EnableParallelProcessing", pl.EnableParallelProcessing),
		BatchSize:                b.integer("Pipeline", "BatchSize", pl.BatchSize),
		MaxConcurrentFiles:       b.integer("Pipeline", "MaxConcurrentFiles", pl.MaxConcurrentFiles),
	}

	wd := cfg.Watchdog
	cfg.Watchdog = WatchdogConfig{
		Enabled:                 b.boolean("Watchdog", "Enabled", wd.Enabled),
		PollingIntervalSeconds:  b.integer("Watchdog", "PollingIntervalSeconds", wd.PollingIntervalSeconds),
		FileAgeThresholdMinutes: b.integer("Watchdog", "FileAgeThresholdMinutes", wd.FileAgeThresholdMinutes),
		MaxQueueSize:            b.integer("Watchdog", "MaxQueueSize", wd.MaxQueueSize),
		ProcessingThreads:       b.integer("Watchdog", "ProcessingThreads", wd.ProcessingThreads),
	}

	pr := cfg.Processing
	cfg.Processing = ProcessingConfig{
		MaxFileSizeMB:           b.integer("Processing", "MaxFileSizeMB", pr.MaxFileSizeMB),
		AllowedExtensions:       b.list("Processing", "AllowedExtensions", pr.AllowedExtensions),
		MaxErrorsPerFile:        b.integer("Processing", "MaxErrorsPerFile", pr.MaxErrorsPerFile),
		ContextLinesBeforeError: b.integer("Processing", "ContextLinesBeforeError", pr.ContextLinesBeforeError),
		ContextLinesAfterError:  b.integer("Processing", "ContextLinesAfterError", pr.ContextLinesAfterError),
		ParserDialect:           b.str("Processing", "ParserDialect", pr.ParserDialect),
	}

	al := cfg.Alerting
	cfg.Alerting = AlertingConfig{
		Enabled:               b.boolean("Alerting", "Enabled", al.Enabled),
		ConsoleAlerts:         b.boolean("Alerting", "ConsoleAlerts", al.ConsoleAlerts),
		FileAlerts:            b.boolean("Alerting", "FileAlerts", al.FileAlerts),
		WindowsEventLog:       b.boolean("Alerting", "WindowsEventLog", al.WindowsEventLog),
		CriticalDiskSpaceMB:   b.integer("Alerting", "CriticalDiskSpaceMB", al.CriticalDiskSpaceMB),
		WarningDiskSpaceMB:    b.integer("Alerting", "WarningDiskSpaceMB", al.WarningDiskSpaceMB),
		CriticalMemoryPct:     b.integer("Alerting", "CriticalMemoryPercent", al.CriticalMemoryPct),
		WarningMemoryPct:      b.integer("Alerting", "WarningMemoryPercent", al.WarningMemoryPct),
		ErrorRateThresholdPct: b.integer("Alerting", "ErrorRateThresholdPercent", al.ErrorRateThresholdPct),
	}

	lg := cfg.Logging
	cfg.Logging = LoggingConfig{
		Level:  b.str("Logging", "Level", lg.Level),
		Format: b.str("Logging", "Format", lg.Format),
	}

	mo := cfg.Monitoring
	cfg.Monitoring = MonitoringConfig{
		EnableTelemetry:    b.boolean("Monitoring", "EnableTelemetry", mo.EnableTelemetry),
		MetricsInterval:    b.duration("Monitoring", "MetricsInterval", mo.MetricsInterval),
		EnableHealthChecks: b.boolean("Monitoring", "EnableHealthChecks", mo.EnableHealthChecks),
	}

	cfg.Warnings = b.warnings
	return cfg, nil
}

// applyEnvOverlay writes AIRES_SECTION__KEY values into the parsed file
// before binding, so the overlay participates in type checking.
func applyEnvOverlay(file *ini.File) {
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, envPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		name, value := kv[len(envPrefix):eq], kv[eq+1:]
		parts := strings.SplitN(name, "__", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		sec := findSection(file, parts[0])
		if sec == nil {
			sec, _ = file.NewSection(parts[0])
		}
		if k := findKey(sec, parts[1]); k != nil {
			k.SetValue(value)
		} else {
			_, _ = sec.NewKey(parts[1], value)
		}
	}
}

// findSection locates a section case-insensitively (env overlay names are
// uppercased, file sections are CamelCase).
func findSection(file *ini.File, name string) *ini.Section {
	for _, sec := range file.Sections() {
		if strings.EqualFold(sec.Name(), name) {
			return sec
		}
	}
	return nil
}

func findKey(sec *ini.Section, name string) *ini.Key {
	for _, k := range sec.Keys() {
		if strings.EqualFold(k.Name(), name) {
			return k
		}
	}
	return nil
}

// binder reads typed values, collecting a warning and keeping the default
// whenever a value does not parse. Parse errors never crash the process.
type binder struct {
	file     *ini.File
	logger   *zap.Logger
	warnings []string
}

func (b *binder) raw(section, key string) (string, bool) {
	sec := findSection(b.file, section)
	if sec == nil {
		return "", false
	}
	k := findKey(sec, key)
	if k == nil {
		return "", false
	}
	return strings.TrimSpace(k.String()), true
}

func (b *binder) warn(section, key, value, want string) {
	msg := fmt.Sprintf("%s.%s=%q is not a valid %s, using default", section, key, value, want)
	b.warnings = append(b.warnings, msg)
	b.logger.Warn("config value ignored",
		zap.String("section", section),
		zap.String("key", key),
		zap.String("value", value),
		zap.String("expected", want))
}

func (b *binder) str(section, key, def string) string {
	if v, ok := b.raw(section, key); ok && v != "" {
		return v
	}
	return def
}

func (b *binder) integer(section, key string, def int) int {
	v, ok := b.raw(section, key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		b.warn(section, key, v, "integer")
		return def
	}
	return n
}

func (b *binder) float(section, key string, def float64) float64 {
	v, ok := b.raw(section, key)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		b.warn(section, key, v, "number")
		return def
	}
	return f
}

func (b *binder) boolean(section, key string, def bool) bool {
	v, ok := b.raw(section, key)
	if !ok || v == "" {
		return def
	}
	t, err := strconv.ParseBool(v)
	if err != nil {
		b.warn(section, key, v, "boolean")
		return def
	}
	return t
}

// duration accepts Go duration syntax ("120s", "2m") or a bare number of
// seconds ("120"), matching how the INI ships.
func (b *binder) duration(section, key string, def time.Duration) time.Duration {
	v, ok := b.raw(section, key)
	if !ok || v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	b.warn(section, key, v, "duration")
	return def
}

func (b *binder) list(section, key string, def []string) []string {
	v, ok := b.raw(section, key)
	if !ok || v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
