// Package daemon speaks the container daemon's local-socket HTTP protocol: ping,
// image build from a recipe blob, create-and-start, exec-with-streaming, and
// stop-and-remove. No ecosystem client library for this protocol appears among
// the project's dependencies (see DESIGN.md); the wire format is expressed here
// as explicit byte-buffer parsers rather than ad-hoc string concatenation, per
// the redesign guidance against treating binary payloads as text.
package daemon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	unaryTimeout     = 30 * time.Second
	streamingTimeout = 300 * time.Second
)

// Client talks to the container daemon over a cached, process-wide unix socket path.
type Client struct {
	socketPath string
	http       *http.Client
}

// Error wraps a daemon-reported failure with the request path that produced it.
type Error struct {
	Path    string
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("daemon: %s: status %d: %s", e.Path, e.Status, e.Message)
}

var cachedSocketPath string

// ResolveSocketPath finds the daemon socket in the order: explicit override,
// the user's context-configured endpoint, the user's runtime socket, the
// system socket. The first path that exists is cached process-wide.
func ResolveSocketPath(override string) string {
	if cachedSocketPath != "" {
		return cachedSocketPath
	}
	candidates := []string{
		strings.TrimPrefix(override, "unix://"),
	}
	if contextSocket, ok := resolveDockerContextSocket(); ok {
		candidates = append(candidates, contextSocket)
	}
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		candidates = append(candidates, filepath.Join(runtimeDir, "docker.sock"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".docker", "run", "docker.sock"))
	}
	candidates = append(candidates, "/var/run/docker.sock")

	for _, c := range candidates {
		if c == "" {
			continue
		}
		if _, err := os.Stat(c); err == nil {
			cachedSocketPath = c
			return c
		}
	}
	cachedSocketPath = candidates[len(candidates)-1]
	return cachedSocketPath
}

// dockerConfig is the subset of ~/.docker/config.json this client reads to
// find the active named context.
type dockerConfig struct {
	CurrentContext string `json:"currentContext"`
}

// dockerContextMeta is the subset of a context's meta.json this client reads
// to resolve its docker endpoint.
type dockerContextMeta struct {
	Endpoints struct {
		Docker struct {
			Host string `json:"Host"`
		} `json:"docker"`
	} `json:"Endpoints"`
}

// resolveDockerContextSocket implements spec §4.1 step (2): the user's
// container config pointing at a named context whose endpoint resolves to a
// socket path. DOCKER_CONTEXT overrides config.json's currentContext, same
// as the docker CLI; "default" names the daemon's own default and never has
// a meta.json, so it resolves to no candidate here.
func resolveDockerContextSocket() (string, bool) {
	dockerDir, err := dockerConfigDir()
	if err != nil {
		return "", false
	}

	contextName := os.Getenv("DOCKER_CONTEXT")
	if contextName == "" {
		data, err := os.ReadFile(filepath.Join(dockerDir, "config.json"))
		if err != nil {
			return "", false
		}
		var cfg dockerConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return "", false
		}
		contextName = cfg.CurrentContext
	}
	if contextName == "" || contextName == "default" {
		return "", false
	}

	sum := sha256.Sum256([]byte(contextName))
	metaPath := filepath.Join(dockerDir, "contexts", "meta", hex.EncodeToString(sum[:]), "meta.json")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return "", false
	}
	var meta dockerContextMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return "", false
	}
	host := strings.TrimPrefix(meta.Endpoints.Docker.Host, "unix://")
	if host == "" {
		return "", false
	}
	return host, true
}

func dockerConfigDir() (string, error) {
	if dir := os.Getenv("DOCKER_CONFIG"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".docker"), nil
}

// ResetCachedSocketPath clears the process-wide cache; intended for operator-triggered reload only.
func ResetCachedSocketPath() {
	cachedSocketPath = ""
}

// New builds a Client against the resolved socket path.
func New(socketOverride string) *Client {
	path := ResolveSocketPath(socketOverride)
	dialer := func(ctx context.Context, _, _ string) (net.Conn, error) {
		d := net.Dialer{}
		return d.DialContext(ctx, "unix", path)
	}
	return &Client{
		socketPath: path,
		http: &http.Client{
			Transport: &http.Transport{DialContext: dialer},
			Timeout:   unaryTimeout,
		},
	}
}

// dialRaw opens a fresh unix socket connection for protocols that need to take over
// the connection after the initial HTTP exchange (exec attach).
func (c *Client) dialRaw(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{}
	return d.DialContext(ctx, "unix", c.socketPath)
}

// Ping checks daemon availability.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, unaryTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://daemon/_ping", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError("/_ping", resp)
	}
	return nil
}

func decodeError(path string, resp *http.Response) error {
	var body struct {
		Message string `json:"message"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return &Error{Path: path, Status: resp.StatusCode, Message: body.Message}
}
