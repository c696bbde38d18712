// Package kubernetes releases descriptors onto a Kubernetes cluster and
// watches the rollout until every replica runs the new version.
package kubernetes

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/pointer"

	"github.com/slipway-sh/slipway/internal/descriptor"
	"github.com/slipway-sh/slipway/internal/release"
)

const (
	serviceLabel = "slipway.sh/service"
	managedLabel = "app.kubernetes.io/managed-by"

	pollInterval = 3 * time.Second
)

// Target applies descriptors as a Deployment plus Service pair.
type Target struct {
	client    kubernetes.Interface
	namespace string
	logger    *slog.Logger
}

var _ release.Target = (*Target)(nil)
var _ release.Inspector = (*Target)(nil)

// New creates a Kubernetes-backed release target. It prefers in-cluster
// configuration and falls back to KUBECONFIG when running locally.
func New(namespace string, log *slog.Logger) (*Target, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := strings.TrimSpace(os.Getenv("KUBECONFIG"))
		if kubeconfig == "" {
			return nil, fmt.Errorf("create in-cluster config: %w", err)
		}
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("create kubeconfig client: %w", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return NewWithClient(clientset, namespace, log), nil
}

// NewWithClient creates a Target over an existing clientset.
func NewWithClient(client kubernetes.Interface, namespace string, log *slog.Logger) *Target {
	if namespace == "" {
		namespace = corev1.NamespaceDefault
	}
	return &Target{client: client, namespace: namespace, logger: log}
}

// Submit applies or updates the Deployment and Service for the descriptor.
func (t *Target) Submit(ctx context.Context, desc descriptor.Descriptor) error {
	name := resourceName(desc.Name)
	if name == "" {
		return fmt.Errorf("descriptor name required")
	}
	container, err := buildContainer(desc)
	if err != nil {
		return err
	}

	labels := map[string]string{
		serviceLabel:             name,
		managedLabel:             "slipway",
		"app.kubernetes.io/name": name,
	}

	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: t.namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas:             pointer.Int32(int32(desc.Replicas)),
			RevisionHistoryLimit: pointer.Int32(3),
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{serviceLabel: name},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{container},
				},
			},
		},
	}
	if err := t.applyDeployment(ctx, deployment); err != nil {
		return err
	}

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: t.namespace,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{serviceLabel: name},
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       int32(desc.Port),
				TargetPort: intstr.FromInt(desc.Port),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}
	if err := t.applyService(ctx, svc); err != nil {
		return err
	}

	if t.logger != nil {
		t.logger.Info("descriptor submitted", "service", name, "namespace", t.namespace, "image", desc.Image)
	}
	return nil
}

// AwaitStable polls the Deployment until the new version has fully replaced
// the old one across all replicas.
func (t *Target) AwaitStable(ctx context.Context, desc descriptor.Descriptor, timeout time.Duration) error {
	name := resourceName(desc.Name)
	desired := int32(desc.Replicas)
	err := wait.PollUntilContextTimeout(ctx, pollInterval, timeout, true, func(ctx context.Context) (bool, error) {
		dep, err := t.client.AppsV1().Deployments(t.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			if errors.IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		return rolloutComplete(dep, desired), nil
	})
	if err != nil {
		if wait.Interrupted(err) {
			return fmt.Errorf("%w: %s not stable after %s", release.ErrRolloutTimeout, name, timeout)
		}
		return fmt.Errorf("await rollout: %w", err)
	}
	return nil
}

// Status summarises the current rollout state for operators.
func (t *Target) Status(ctx context.Context, desc descriptor.Descriptor) (release.Status, error) {
	name := resourceName(desc.Name)
	dep, err := t.client.AppsV1().Deployments(t.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			return release.Status{Message: "not deployed"}, nil
		}
		return release.Status{}, fmt.Errorf("get deployment: %w", err)
	}
	status := release.Status{
		Ready:    rolloutComplete(dep, int32(desc.Replicas)),
		Replicas: int(dep.Status.AvailableReplicas),
	}
	for _, cond := range dep.Status.Conditions {
		if cond.Type == appsv1.DeploymentProgressing {
			status.Message = cond.Message
		}
	}
	return status, nil
}

func (t *Target) applyDeployment(ctx context.Context, desired *appsv1.Deployment) error {
	deployments := t.client.AppsV1().Deployments(t.namespace)
	_, err := deployments.Create(ctx, desired, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !errors.IsAlreadyExists(err) {
		return fmt.Errorf("create deployment: %w", err)
	}
	existing, getErr := deployments.Get(ctx, desired.Name, metav1.GetOptions{})
	if getErr != nil {
		return fmt.Errorf("get deployment: %w", getErr)
	}
	desired.ResourceVersion = existing.ResourceVersion
	if _, err := deployments.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	return nil
}

func (t *Target) applyService(ctx context.Context, desired *corev1.Service) error {
	services := t.client.CoreV1().Services(t.namespace)
	_, err := services.Create(ctx, desired, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !errors.IsAlreadyExists(err) {
		return fmt.Errorf("create service: %w", err)
	}
	existing, getErr := services.Get(ctx, desired.Name, metav1.GetOptions{})
	if getErr != nil {
		return fmt.Errorf("get service: %w", getErr)
	}
	desired.ResourceVersion = existing.ResourceVersion
	desired.Spec.ClusterIP = existing.Spec.ClusterIP
	desired.Spec.ClusterIPs = existing.Spec.ClusterIPs
	if _, err := services.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update service: %w", err)
	}
	return nil
}

// rolloutComplete reports whether the deployment's status reflects the
// current generation with every replica updated and available.
func rolloutComplete(dep *appsv1.Deployment, desired int32) bool {
	status := dep.Status
	if status.ObservedGeneration < dep.Generation {
		return false
	}
	return status.UpdatedReplicas == desired &&
		status.AvailableReplicas == desired &&
		status.Replicas == desired
}

func buildContainer(desc descriptor.Descriptor) (corev1.Container, error) {
	cpu, err := resource.ParseQuantity(desc.Resources.CPU)
	if err != nil {
		return corev1.Container{}, fmt.Errorf("parse cpu quantity %q: %w", desc.Resources.CPU, err)
	}
	memory, err := resource.ParseQuantity(desc.Resources.Memory)
	if err != nil {
		return corev1.Container{}, fmt.Errorf("parse memory quantity %q: %w", desc.Resources.Memory, err)
	}

	env := []corev1.EnvVar{{Name: "PORT", Value: fmt.Sprintf("%d", desc.Port)}}
	for _, v := range desc.Env {
		if v.Name == "PORT" {
			continue
		}
		env = append(env, corev1.EnvVar{Name: v.Name, Value: v.Value})
	}

	probe := &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			HTTPGet: &corev1.HTTPGetAction{
				Path: desc.Health.Path,
				Port: intstr.FromInt(desc.Port),
			},
		},
		InitialDelaySeconds: int32(desc.Health.InitialDelaySeconds),
		PeriodSeconds:       int32(desc.Health.PeriodSeconds),
		FailureThreshold:    int32(desc.Health.FailureThreshold),
	}

	resources := corev1.ResourceList{
		corev1.ResourceCPU:    cpu,
		corev1.ResourceMemory: memory,
	}

	return corev1.Container{
		Name:  desc.Name,
		Image: desc.Image,
		Ports: []corev1.ContainerPort{{
			Name:          "http",
			ContainerPort: int32(desc.Port),
		}},
		Env: env,
		Resources: corev1.ResourceRequirements{
			Requests: resources,
			Limits:   resources,
		},
		ReadinessProbe: probe,
		LivenessProbe:  probe.DeepCopy(),
	}, nil
}

// resourceName lowers the descriptor name into a valid resource name.
func resourceName(name string) string {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	cleaned := make([]rune, 0, len(trimmed))
	for _, r := range trimmed {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			cleaned = append(cleaned, r)
		}
	}
	value := strings.Trim(string(cleaned), "-")
	if len(value) > 63 {
		value = strings.Trim(value[:63], "-")
	}
	return value
}
