// Package config loads and watches the AIRES INI configuration.
// A Store holds an immutable snapshot behind an atomic pointer; readers
// never lock, reloads swap the whole snapshot at once.
package config

import "time"

// Config is one immutable configuration snapshot. Replaced wholesale on
// reload; never mutate a snapshot after publishing it.
type Config struct {
	Directories DirectoriesConfig
	AIServices  AIServicesConfig
	Pipeline    PipelineConfig
	Watchdog    WatchdogConfig
	Processing  ProcessingConfig
	Alerting    AlertingConfig
	Logging     LoggingConfig
	Monitoring  MonitoringConfig

	// Warnings collects non-critical binding problems (unparseable typed
	// values that fell back to defaults). Surfaced as Degraded by the
	// health probe.
	Warnings []string
}

// DirectoriesConfig is the [Directories] section.
type DirectoriesConfig struct {
	InputDirectory  string
	OutputDirectory string
	TempDirectory   string
	AlertDirectory  string
	LogDirectory    string
}

// AIServicesConfig is the [AI_Services] section.
type AIServicesConfig struct {
	OllamaBaseURL          string
	OllamaTimeout          time.Duration
	MistralModel           string
	DeepSeekModel          string
	CodeGemmaModel         string
	Gemma2Model            string
	ModelTemperature       float64
	ModelMaxTokens         int
	ModelTopP              float64
	EnableGpuLoadBalancing bool

	// GpuEndpoints lists additional inference base URLs used when GPU load
	// balancing is enabled, comma separated. The primary OllamaBaseURL is
	// always endpoint 0.
	GpuEndpoints             []string
	MaxConcurrentPerEndpoint int
}

// PipelineConfig is the [Pipeline] section.
type PipelineConfig struct {
	MaxRetries               int
	RetryDelay               time.Duration
	EnableParallelProcessing bool
	BatchSize                int
	MaxConcurrentFiles       int
}

// WatchdogConfig is the [Watchdog] section.
type WatchdogConfig struct {
	Enabled                 bool
	PollingIntervalSeconds  int
	FileAgeThresholdMinutes int
	MaxQueueSize            int
	ProcessingThreads       int
}

// ProcessingConfig is the [Processing] section.
type ProcessingConfig struct {
	MaxFileSizeMB           int
	AllowedExtensions       []string
	MaxErrorsPerFile        int
	ContextLinesBeforeError int
	ContextLinesAfterError  int

	// ParserDialect selects the compiler-output parser: "csharp",
	// "general", or "auto" to detect from the text.
	ParserDialect string
}

// AlertingConfig is the [Alerting] section.
type AlertingConfig struct {
	Enabled             bool
	ConsoleAlerts       bool
	FileAlerts          bool
	WindowsEventLog     bool
	CriticalDiskSpaceMB int
	WarningDiskSpaceMB  int
	CriticalMemoryPct   int
	WarningMemoryPct    int

	// ErrorRateThresholdPct is parsed for compatibility but currently has
	// no producer wired to it.
	ErrorRateThresholdPct int
}

// LoggingConfig is the [Logging] section.
type LoggingConfig struct {
	Level  string
	Format string
}

// MonitoringConfig is the [Monitoring] section.
type MonitoringConfig struct {
	EnableTelemetry    bool
	MetricsInterval    time.Duration
	EnableHealthChecks bool
}

// Default returns the configuration used when the file or individual keys
// are absent. Every typed field has a declared default; binding never fails
// the process.
func Default() *Config {
	return &Config{
		Directories: DirectoriesConfig{
			InputDirectory:  "input",
			OutputDirectory: "output",
			TempDirectory:   "temp",
			AlertDirectory:  "alerts",
			LogDirectory:    "logs",
		},
		AIServices: AIServicesConfig{
			OllamaBaseURL:            "http://localhost:11434",
			OllamaTimeout:            120 * time.Second,
			MistralModel:             "mistral:7b-instruct-q4_K_M",
			DeepSeekModel:            "deepseek-coder:6.7b",
			CodeGemmaModel:           "codegemma:7b",
			Gemma2Model:              "gemma2:9b",
			ModelTemperature:         0.3,
			ModelMaxTokens:           2000,
			ModelTopP:                0.9,
			EnableGpuLoadBalancing:   false,
			MaxConcurrentPerEndpoint: 4,
		},
		Pipeline: PipelineConfig{
			MaxRetries:               3,
			RetryDelay:               2 * time.Second,
			EnableParallelProcessing: true,
			BatchSize:                10,
			MaxConcurrentFiles:       5,
		},
		Watchdog: WatchdogConfig{
			Enabled:                 true,
			PollingIntervalSeconds:  30,
			FileAgeThresholdMinutes: 1,
			MaxQueueSize:            100,
			ProcessingThreads:       2,
		},
		Processing: ProcessingConfig{
			MaxFileSizeMB:           10,
			AllowedExtensions:       []string{".txt", ".log"},
			MaxErrorsPerFile:        100,
			ContextLinesBeforeError: 5,
			ContextLinesAfterError:  5,
			ParserDialect:           "auto",
		},
		Alerting: AlertingConfig{
			Enabled:             true,
			ConsoleAlerts:       true,
			FileAlerts:          true,
			WindowsEventLog:     false,
			CriticalDiskSpaceMB: 100,
			WarningDiskSpaceMB:  500,
			CriticalMemoryPct:   90,
			WarningMemoryPct:    75,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Monitoring: MonitoringConfig{
			EnableTelemetry:    true,
			MetricsInterval:    60 * time.Second,
			EnableHealthChecks: true,
		},
	}
}

// Validate checks critical fields. A violation here means the service
// cannot run; non-critical problems are carried as Warnings instead.
func (c *Config) Validate() []string {
	var problems []string
	if c.Directories.InputDirectory == "" {
		problems = append(problems, "Directories.InputDirectory is empty")
	}
	if c.Directories.OutputDirectory == "" {
		problems = append(problems, "Directories.OutputDirectory is empty")
	}
	if c.AIServices.OllamaBaseURL == "" {
		problems = append(problems, "AI_Services.OllamaBaseUrl is empty")
	}
	if len(c.Processing.AllowedExtensions) == 0 {
		problems = append(problems, "Processing.AllowedExtensions is empty")
	}
	return problems
}
