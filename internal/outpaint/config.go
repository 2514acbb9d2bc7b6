package outpaint

import "time"

// WorkerConfig is the per-backend concurrency cap. The cloud service queues
// remote jobs happily, the local GPU runs out of memory past a couple of
// concurrent generations.
type WorkerConfig struct {
	FalAI   int `mapstructure:"falai"`
	ComfyUI int `mapstructure:"comfyui"`
}

// ServiceConfig carries the primary backend choice, per-request defaults and
// the queue/prober knobs. Read once at startup from the config file.
type ServiceConfig struct {
	Backend string `mapstructure:"backend"`

	OutputFolder    string `mapstructure:"outputFolder"`
	UseSourceFolder bool   `mapstructure:"useSourceFolder"`
	OutputSuffix    string `mapstructure:"outputSuffix"`
	OutputFormat    string `mapstructure:"outputFormat"`

	ZoomOutPercentage int    `mapstructure:"zoomOutPercentage"`
	ExpandMode        string `mapstructure:"expandMode"`
	ExpandPercentage  int    `mapstructure:"expandPercentage"`
	ExpandLeft        int    `mapstructure:"expandLeft"`
	ExpandRight       int    `mapstructure:"expandRight"`
	ExpandTop         int    `mapstructure:"expandTop"`
	ExpandBottom      int    `mapstructure:"expandBottom"`
	NumImages         int    `mapstructure:"numImages"`
	Prompt            string `mapstructure:"prompt"`

	EnableSafetyChecker bool   `mapstructure:"enableSafetyChecker"`
	AllowReprocess      bool   `mapstructure:"allowReprocess"`
	ReprocessMode       string `mapstructure:"reprocessMode"`

	Workers          WorkerConfig  `mapstructure:"workers"`
	QueueCapacity    int           `mapstructure:"queueCapacity"`
	FailureThreshold int           `mapstructure:"failureThreshold"`
	HealthStaleness  time.Duration `mapstructure:"healthStaleness"`
}

func (c *ServiceConfig) applyDefaults() {
	if c.Backend == "" {
		c.Backend = string(AdapterFalAI)
	}
	if c.OutputSuffix == "" {
		c.OutputSuffix = "-expanded"
	}
	if c.OutputFormat == "" {
		c.OutputFormat = "png"
	}
	if c.ExpandMode == "" {
		c.ExpandMode = ExpandModePercentage
	}
	if c.ExpandPercentage == 0 && c.ExpandMode == ExpandModePercentage {
		c.ExpandPercentage = 30
	}
	if c.NumImages == 0 {
		c.NumImages = 1
	}
	if c.ReprocessMode == "" {
		c.ReprocessMode = ReprocessModeIncrement
	}
	if c.Workers.FalAI == 0 {
		c.Workers.FalAI = 5
	}
	if c.Workers.ComfyUI == 0 {
		c.Workers.ComfyUI = 2
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = 50
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.HealthStaleness == 0 {
		c.HealthStaleness = 5 * time.Second
	}
}
