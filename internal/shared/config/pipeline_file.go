package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// pipelineFile mirrors PipelineConfig with pointer fields so absent keys keep env values.
type pipelineFile struct {
	SelectionBatchSize  *int    `yaml:"selection_batch_size"`
	RefinementBatchSize *int    `yaml:"refinement_batch_size"`
	DispatchConcurrency *int    `yaml:"dispatch_concurrency"`
	BatchTimeout        *string `yaml:"batch_timeout"`
	FailurePolicy       *string `yaml:"failure_policy"`
	AutoRefine          *bool   `yaml:"auto_refine"`
}

// ApplyPipelineFile overlays the YAML file at path onto base.
func ApplyPipelineFile(base PipelineConfig, path string) (PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read pipeline config: %w", err)
	}
	return ApplyPipelineYAML(base, data)
}

// ApplyPipelineYAML overlays raw YAML onto base.
func ApplyPipelineYAML(base PipelineConfig, data []byte) (PipelineConfig, error) {
	var f pipelineFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return base, fmt.Errorf("parse pipeline config: %w", err)
	}
	out := base
	if f.SelectionBatchSize != nil {
		out.SelectionBatchSize = *f.SelectionBatchSize
	}
	if f.RefinementBatchSize != nil {
		out.RefinementBatchSize = *f.RefinementBatchSize
	}
	if f.DispatchConcurrency != nil {
		out.DispatchConcurrency = *f.DispatchConcurrency
	}
	if f.BatchTimeout != nil {
		d, err := time.ParseDuration(*f.BatchTimeout)
		if err != nil {
			return base, fmt.Errorf("parse batch_timeout: %w", err)
		}
		out.BatchTimeout = d
	}
	if f.FailurePolicy != nil {
		out.FailurePolicy = normalizeFailurePolicy(*f.FailurePolicy)
	}
	if f.AutoRefine != nil {
		out.AutoRefine = *f.AutoRefine
	}
	return out, nil
}
