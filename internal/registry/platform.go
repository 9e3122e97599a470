package registry

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	appPort            = nat.Port("3000/tcp")
	deploymentLabel    = "oreus.deployment"
	projectLabel       = "oreus.project"
	hostPortWaitRounds = 10
)

// Rollout replaces the running container for a project's service with the
// given image. It is idempotent per deployment id: re-issuing the call after
// an ambiguous response finds the already-rolled-out container instead of
// creating a duplicate.
func (c *Client) Rollout(ctx context.Context, projectID, deploymentID, imageTag string) (string, error) {
	if strings.TrimSpace(projectID) == "" {
		return "", fmt.Errorf("project id cannot be empty")
	}
	name := containerName(projectID)

	if url, ok, err := c.existingRollout(ctx, name, deploymentID); err != nil {
		return "", err
	} else if ok {
		return url, nil
	}

	if err := c.removeContainer(ctx, name); err != nil {
		return "", err
	}

	cfg := &container.Config{
		Image:        imageTag,
		ExposedPorts: map[nat.Port]struct{}{appPort: {}},
		Labels: map[string]string{
			projectLabel:    projectID,
			deploymentLabel: deploymentID,
		},
	}
	hostCfg := &container.HostConfig{
		PortBindings:  nat.PortMap{appPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}}},
		RestartPolicy: container.RestartPolicy{Name: "always"},
	}
	created, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("container start: %w", err)
	}
	return c.accessURL(ctx, created.ID)
}

// existingRollout checks whether the named container already carries the
// deployment id label, returning its URL when it does.
func (c *Client) existingRollout(ctx context.Context, name, deploymentID string) (string, bool, error) {
	inspect, err := c.inner.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("container inspect: %w", err)
	}
	if inspect.Config == nil || inspect.Config.Labels[deploymentLabel] != deploymentID {
		return "", false, nil
	}
	if inspect.State == nil || !inspect.State.Running {
		return "", false, nil
	}
	url, err := c.accessURL(ctx, inspect.ID)
	if err != nil {
		return "", false, err
	}
	return url, true, nil
}

// Remove tears down the project's rolled-out container.
func (c *Client) Remove(ctx context.Context, projectID string) error {
	return c.removeContainer(ctx, containerName(projectID))
}

// ListProjectContainers returns container ids labeled for the project.
func (c *Client) ListProjectContainers(ctx context.Context, projectID string) ([]string, error) {
	list, err := c.inner.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", projectLabel+"="+projectID)),
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	ids := make([]string, 0, len(list))
	for _, item := range list {
		ids = append(ids, item.ID)
	}
	return ids, nil
}

// CheckHealth performs one HTTP probe against the deployed service.
func CheckHealth(ctx context.Context, httpClient *http.Client, url string) error {
	if url == "" {
		return fmt.Errorf("empty service url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("health probe returned %s", resp.Status)
	}
	return nil
}

func (c *Client) removeContainer(ctx context.Context, name string) error {
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

func (c *Client) accessURL(ctx context.Context, containerID string) (string, error) {
	for attempt := 0; attempt < hostPortWaitRounds; attempt++ {
		inspect, err := c.inner.ContainerInspect(ctx, containerID)
		if err != nil {
			return "", fmt.Errorf("container inspect: %w", err)
		}
		if inspect.NetworkSettings != nil {
			if bindings := inspect.NetworkSettings.Ports[appPort]; len(bindings) > 0 {
				binding := bindings[0]
				if strings.TrimSpace(binding.HostPort) != "" {
					host := binding.HostIP
					if host == "" || host == "0.0.0.0" {
						host = "127.0.0.1"
					}
					return fmt.Sprintf("http://%s:%s", host, binding.HostPort), nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("wait for host port: %w", ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
	return "", fmt.Errorf("container %s never exposed a host port", containerID)
}

func containerName(projectID string) string {
	return "oreus-" + projectID
}
