package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/image"
)

// TagImage assigns ref as an additional name for the source image.
func (c *Client) TagImage(ctx context.Context, source, ref string) error {
	if c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	if strings.TrimSpace(source) == "" || strings.TrimSpace(ref) == "" {
		return fmt.Errorf("image references cannot be empty")
	}
	if err := c.inner.ImageTag(ctx, source, ref); err != nil {
		return fmt.Errorf("docker image tag: %w", err)
	}
	return nil
}

// PushImage uploads ref to its registry. registryAuth is the base64 encoded
// auth configuration produced by the registry authenticator.
func (c *Client) PushImage(ctx context.Context, ref, registryAuth string, onOutput OutputCallback) error {
	if c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("image reference cannot be empty")
	}
	resp, err := c.inner.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: registryAuth})
	if err != nil {
		return fmt.Errorf("docker image push: %w", err)
	}
	defer resp.Close()
	if err := drainStream(resp, onOutput); err != nil {
		return fmt.Errorf("docker image push: %w", err)
	}
	return nil
}
