package descriptor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `
name: hello
image: ""
replicas: 2
port: 8080
health:
  path: /
  initialDelaySeconds: 3
  periodSeconds: 5
resources:
  cpu: 100m
  memory: 128Mi
env:
  - name: PORT
    value: "8080"
`

func TestParseAppliesDefaults(t *testing.T) {
	d, err := Parse([]byte("name: hello\nport: 8080\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if d.Replicas != 1 {
		t.Fatalf("expected default replicas 1, got %d", d.Replicas)
	}
	if d.Health.Path != "/" || d.Health.PeriodSeconds != 5 || d.Health.FailureThreshold != 3 {
		t.Fatalf("unexpected health defaults %+v", d.Health)
	}
}

func TestParseValidates(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{name: "missing name", yaml: "port: 8080\n", want: "name is required"},
		{name: "bad port", yaml: "name: x\nport: 70000\n", want: "out of range"},
		{name: "negative replicas", yaml: "name: x\nport: 80\nreplicas: -1\n", want: "replicas"},
		{name: "unknown field", yaml: "name: x\nport: 80\nbogus: true\n", want: "parse descriptor"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in error, got %v", tc.want, err)
			}
		})
	}
}

func TestRenderSubstitutesImageOnly(t *testing.T) {
	d, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rendered, err := d.Render("registry.example.com/slipway/hello:d670460b4b4a")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if rendered.Image != "registry.example.com/slipway/hello:d670460b4b4a" {
		t.Fatalf("unexpected image %q", rendered.Image)
	}
	if d.Image != "" {
		t.Fatalf("template image mutated to %q", d.Image)
	}
	if rendered.Name != d.Name || rendered.Replicas != d.Replicas || rendered.Resources != d.Resources {
		t.Fatal("render changed fields other than image")
	}
}

func TestRenderRequiresImage(t *testing.T) {
	d, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, err := d.Render("  "); err == nil {
		t.Fatal("expected error for empty image reference")
	}
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slipway.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	d, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if d.Name != "hello" || d.Port != 8080 || d.Replicas != 2 {
		t.Fatalf("unexpected descriptor %+v", d)
	}
	if d.Resources.CPU != "100m" || d.Resources.Memory != "128Mi" {
		t.Fatalf("unexpected resources %+v", d.Resources)
	}
	encoded, err := d.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(encoded), "name: hello") {
		t.Fatalf("unexpected encoding:\n%s", encoded)
	}
}
