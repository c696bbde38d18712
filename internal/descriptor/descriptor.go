// Package descriptor defines the deployment descriptor: the document telling
// the release target which image a named service should run and with what
// fixed resource parameters. The image reference is the only field rewritten
// per pipeline run.
package descriptor

import (
	"fmt"
	"os"
	"strings"

	"sigs.k8s.io/yaml"
)

// Descriptor describes one deployable service.
type Descriptor struct {
	Name      string    `json:"name"`
	Image     string    `json:"image"`
	Replicas  int       `json:"replicas"`
	Port      int       `json:"port"`
	Health    Health    `json:"health"`
	Resources Resources `json:"resources"`
	Env       []EnvVar  `json:"env,omitempty"`
}

// Health configures the HTTP probe gating rollout readiness.
type Health struct {
	Path                string `json:"path"`
	InitialDelaySeconds int    `json:"initialDelaySeconds"`
	PeriodSeconds       int    `json:"periodSeconds"`
	FailureThreshold    int    `json:"failureThreshold"`
}

// Resources holds the fixed per-replica resource parameters.
type Resources struct {
	CPU    string `json:"cpu"`
	Memory string `json:"memory"`
}

// EnvVar is a static environment entry passed to the service.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Load reads and parses the descriptor template at path.
func Load(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read descriptor: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML descriptor document.
func Parse(data []byte) (Descriptor, error) {
	var d Descriptor
	if err := yaml.UnmarshalStrict(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("parse descriptor: %w", err)
	}
	d = d.WithDefaults()
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Validate checks the fields a release target depends on.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("invalid descriptor: name is required")
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("invalid descriptor: port %d out of range", d.Port)
	}
	if d.Replicas < 1 {
		return fmt.Errorf("invalid descriptor: replicas must be at least 1")
	}
	if !strings.HasPrefix(d.Health.Path, "/") {
		return fmt.Errorf("invalid descriptor: health path must start with /")
	}
	return nil
}

// WithDefaults fills unset optional fields.
func (d Descriptor) WithDefaults() Descriptor {
	if d.Replicas == 0 {
		d.Replicas = 1
	}
	if d.Health.Path == "" {
		d.Health.Path = "/"
	}
	if d.Health.InitialDelaySeconds == 0 {
		d.Health.InitialDelaySeconds = 3
	}
	if d.Health.PeriodSeconds == 0 {
		d.Health.PeriodSeconds = 5
	}
	if d.Health.FailureThreshold == 0 {
		d.Health.FailureThreshold = 3
	}
	return d
}

// Render returns a copy with the image reference substituted in. The
// template itself is never mutated.
func (d Descriptor) Render(imageRef string) (Descriptor, error) {
	if strings.TrimSpace(imageRef) == "" {
		return Descriptor{}, fmt.Errorf("image reference cannot be empty")
	}
	rendered := d
	rendered.Image = imageRef
	rendered.Env = append([]EnvVar(nil), d.Env...)
	return rendered, nil
}

// Encode serialises the descriptor back to YAML.
func (d Descriptor) Encode() ([]byte, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode descriptor: %w", err)
	}
	return data, nil
}
