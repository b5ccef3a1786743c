package config

import (
	"fmt"
	"os"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/sets"
	"kubegems.io/onnxq/pkg/errors"
	"kubegems.io/onnxq/pkg/types"
	"sigs.k8s.io/yaml"
)

const (
	AliasKindSymlink = "symlink"
	AliasKindFile    = "file"
)

const (
	DefaultRoot              = "models"
	DefaultPython            = "python3"
	DefaultOpset             = 14
	DefaultExportRetries     = 2
	DefaultDigestConcurrency = 4
)

type Config struct {
	// Root is the directory holding one subdirectory per model.
	Root   string            `json:"root"`
	Models []types.ModelSpec `json:"models"`
	// Python is the interpreter used to drive optimum and onnxruntime.
	Python            string         `json:"python"`
	Export            *ExportOptions `json:"export,omitempty"`
	Alias             *AliasOptions  `json:"alias,omitempty"`
	DigestConcurrency int            `json:"digestConcurrency,omitempty"`
}

type ExportOptions struct {
	Opset       int             `json:"opset"`
	Retries     uint64          `json:"retries"`
	MaxInterval metav1.Duration `json:"maxInterval,omitempty"`
}

type AliasOptions struct {
	Kind string `json:"kind"`
}

func DefaultModels() []types.ModelSpec {
	return []types.ModelSpec{
		{Name: "dima806_ai_real", Task: types.TaskImageClassification},
		{Name: "smogy", Task: types.TaskImageClassification},
		{Name: "umm_maybe", Task: types.TaskImageClassification},
		{Name: "prithiv_v2", Task: types.TaskImageClassification},
		{Name: "ateeqq", Source: "Ateeqq/ai-vs-human-image-detector", Task: types.TaskImageClassification},
		{Name: "sdxl_detector", Source: "Organika/sdxl-detector", Task: types.TaskImageClassification},
		{Name: "hamzenium", Source: "Hamzenium/ViT-Deepfake-Classifier", Task: types.TaskImageClassification},
	}
}

func DefaultConfig() *Config {
	return &Config{
		Root:   DefaultRoot,
		Models: DefaultModels(),
		Python: DefaultPython,
		Export: &ExportOptions{
			Opset:       DefaultOpset,
			Retries:     DefaultExportRetries,
			MaxInterval: metav1.Duration{Duration: 30 * time.Second},
		},
		Alias:             &AliasOptions{Kind: AliasKindSymlink},
		DigestConcurrency: DefaultDigestConcurrency,
	}
}

// Load reads a YAML config file over the defaults. An empty filename returns the defaults.
func Load(filename string) (*Config, error) {
	cfg := DefaultConfig()
	if filename == "" {
		return cfg, nil
	}
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config:%s %w", filename, err)
	}
	// a configured model list replaces the defaults instead of merging into them
	cfg.Models = nil
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, errors.NewConfigInvalidError(fmt.Sprintf("parse config %s: %v", filename, err))
	}
	if cfg.Models == nil {
		cfg.Models = DefaultModels()
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fillDefaults() {
	if c.Python == "" {
		c.Python = DefaultPython
	}
	if c.Export == nil {
		c.Export = &ExportOptions{Retries: DefaultExportRetries}
	}
	if c.Export.Opset == 0 {
		c.Export.Opset = DefaultOpset
	}
	if c.Alias == nil || c.Alias.Kind == "" {
		c.Alias = &AliasOptions{Kind: AliasKindSymlink}
	}
	if c.DigestConcurrency <= 0 {
		c.DigestConcurrency = DefaultDigestConcurrency
	}
	for i := range c.Models {
		if c.Models[i].Task == "" {
			c.Models[i].Task = types.TaskImageClassification
		}
	}
}

func (c *Config) Validate() error {
	if c.Root == "" {
		return errors.NewConfigInvalidError("root must not be empty")
	}
	seen := sets.New[string]()
	for _, m := range c.Models {
		if m.Name == "" {
			return errors.NewConfigInvalidError("model name must not be empty")
		}
		if seen.Has(m.Name) {
			return errors.NewConfigInvalidError(fmt.Sprintf("duplicate model %q", m.Name))
		}
		seen.Insert(m.Name)
		if m.Task != types.TaskImageClassification {
			return errors.NewConfigInvalidError(fmt.Sprintf("model %q: unsupported task %q", m.Name, m.Task))
		}
	}
	switch c.Alias.Kind {
	case AliasKindSymlink, AliasKindFile:
	default:
		return errors.NewConfigInvalidError(fmt.Sprintf("unknown alias kind %q", c.Alias.Kind))
	}
	return nil
}

// ModelNames returns the configured model names in order.
func (c *Config) ModelNames() []string {
	names := make([]string, 0, len(c.Models))
	for _, m := range c.Models {
		names = append(names, m.Name)
	}
	return names
}

// Lookup returns the configured spec for name. Unknown names get a spec without a source.
func (c *Config) Lookup(name string) (types.ModelSpec, bool) {
	for _, m := range c.Models {
		if m.Name == name {
			return m, true
		}
	}
	return types.ModelSpec{Name: name, Task: types.TaskImageClassification}, false
}
