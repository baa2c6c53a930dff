package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HostConfig mirrors the subset of the daemon's host configuration object the
// Workspace Runner needs: read-only bind mounts for credentials and host networking.
type HostConfig struct {
	Binds       []string `json:"Binds,omitempty"`
	NetworkMode string   `json:"NetworkMode,omitempty"`
}

// CreateContainerRequest is the body of POST /containers/create.
type CreateContainerRequest struct {
	Image      string            `json:"Image"`
	Cmd        []string          `json:"Cmd,omitempty"`
	Env        []string          `json:"Env,omitempty"`
	WorkingDir string            `json:"WorkingDir,omitempty"`
	User       string            `json:"User,omitempty"`
	Tty        bool              `json:"Tty"`
	Labels     map[string]string `json:"Labels,omitempty"`
	HostConfig HostConfig        `json:"HostConfig"`
}

type createContainerResponse struct {
	ID string `json:"Id"`
}

// CreateAndStart creates a container from req and starts it, returning the container id.
func (c *Client) CreateAndStart(ctx context.Context, req CreateContainerRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, unaryTimeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://daemon/containers/create", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", decodeError("/containers/create", resp)
	}
	var created createContainerResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}

	startReq, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("http://daemon/containers/%s/start", created.ID), nil)
	if err != nil {
		return "", err
	}
	startResp, err := c.http.Do(startReq)
	if err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}
	defer startResp.Body.Close()
	if startResp.StatusCode >= 400 {
		return "", decodeError("/containers/"+created.ID+"/start", startResp)
	}
	return created.ID, nil
}

// ContainerExists reports whether containerID is still known to the daemon,
// used by startup reconciliation to tell a crashed container apart from one
// still worth force-destroying (spec §12 "Startup reconciliation").
func (c *Client) ContainerExists(ctx context.Context, containerID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, unaryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://daemon/containers/%s/json", containerID), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("inspect container: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= 400 {
		return false, decodeError(fmt.Sprintf("/containers/%s/json", containerID), resp)
	}
	return true, nil
}

// StopAndRemove stops a container with a 10s grace then force-removes it. A
// not-running stop error is ignored, matching the daemon's own idempotence.
func (c *Client) StopAndRemove(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, unaryTimeout)
	defer cancel()

	stopReq, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("http://daemon/containers/%s/stop?t=10", containerID), nil)
	if err != nil {
		return err
	}
	stopResp, err := c.http.Do(stopReq)
	if err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	stopResp.Body.Close()
	if stopResp.StatusCode >= 400 && stopResp.StatusCode != http.StatusNotModified {
		// Anything other than "container already stopped" is surfaced below via remove,
		// but we still attempt removal so cleanup is not blocked on a stop-side error.
		_ = decodeError(fmt.Sprintf("/containers/%s/stop", containerID), stopResp)
	}

	removeReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, fmt.Sprintf("http://daemon/containers/%s?force=true", containerID), nil)
	if err != nil {
		return err
	}
	removeResp, err := c.http.Do(removeReq)
	if err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	defer removeResp.Body.Close()
	if removeResp.StatusCode >= 400 && removeResp.StatusCode != http.StatusNotFound {
		return decodeError(fmt.Sprintf("/containers/%s", containerID), removeResp)
	}
	return nil
}
