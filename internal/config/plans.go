package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kiranshivaraju/tfsbridge/internal/tfs"
)

// Plan is the bridge configuration of one CI plan.
type Plan struct {
	Enabled         bool   `yaml:"enabled"`
	ServerURL       string `yaml:"serverUrl"`
	Username        string `yaml:"username"`
	PasswordEnv     string `yaml:"passwordEnv"`
	Project         string `yaml:"project"`
	BuildDefinition string `yaml:"buildDefinition"`
}

// Password reads the plan's secret from the environment variable it names.
func (p Plan) Password() string {
	if p.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(p.PasswordEnv)
}

// Validate checks the fields the bridge needs when the plan is enabled.
// Disabled plans are always valid.
func (p Plan) Validate() error {
	if !p.Enabled {
		return nil
	}

	var errs []error
	if p.Username == "" {
		errs = append(errs, errors.New("username is required"))
	}
	if p.Project == "" {
		errs = append(errs, errors.New("project is required"))
	}
	if p.BuildDefinition == "" {
		errs = append(errs, errors.New("buildDefinition is required"))
	}
	if p.ServerURL == "" {
		errs = append(errs, errors.New("serverUrl is required"))
	} else if _, err := tfs.ParseServerURL(p.ServerURL); err != nil {
		errs = append(errs, fmt.Errorf("serverUrl: %w", err))
	}
	return errors.Join(errs...)
}

// Plans maps CI plan keys to their configuration.
type Plans map[string]Plan

// Lookup returns the plan for key. Unknown plans are reported as disabled.
func (ps Plans) Lookup(key string) Plan {
	return ps[key]
}

// Validate checks every plan and names the offending ones.
func (ps Plans) Validate() error {
	var errs []error
	for key, p := range ps {
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("plan %q: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// ParsePlans decodes and validates a YAML plan document.
func ParsePlans(data []byte) (Plans, error) {
	var doc struct {
		Plans Plans `yaml:"plans"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing plans: %w", err)
	}
	if doc.Plans == nil {
		doc.Plans = Plans{}
	}
	if err := doc.Plans.Validate(); err != nil {
		return nil, err
	}
	return doc.Plans, nil
}

// LoadPlans reads and validates the plan file at path.
func LoadPlans(path string) (Plans, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plans file: %w", err)
	}
	return ParsePlans(data)
}
