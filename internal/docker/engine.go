package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
)

const (
	// Platform is the only target platform images are built for.
	Platform = "linux/amd64"
	// DockerfileName is the build recipe file expected in every context.
	DockerfileName = "Dockerfile"

	cpuPeriod = 100000
)

// apiClient is the subset of the engine API the builder uses.
type apiClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
	Close() error
}

// Credentials authenticate image pushes.
type Credentials struct {
	Registry string
	Username string
	Password string
}

// BuildRequest describes one image build.
type BuildRequest struct {
	Dir           string
	Tag           string
	MemoryBytes   int64
	CPUMillicores int64
	BuildArgs     map[string]*string
	Labels        map[string]string
}

// Engine owns the connection to the container engine. The connection is
// opened on first use and reopened after it drops.
type Engine struct {
	host   string
	auth   string
	logger *slog.Logger

	mu     sync.Mutex
	client apiClient
	dial   func(host string) (apiClient, error)
}

// NewEngine prepares an engine for host. Registry credentials are encoded once here.
func NewEngine(host string, creds Credentials, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	auth := ""
	if creds.Username != "" || creds.Password != "" {
		encoded, err := registry.EncodeAuthConfig(registry.AuthConfig{
			Username:      creds.Username,
			Password:      creds.Password,
			ServerAddress: creds.Registry,
		})
		if err != nil {
			return nil, fmt.Errorf("encode registry credentials: %w", err)
		}
		auth = encoded
	}
	return &Engine{host: host, auth: auth, logger: logger, dial: dialEngine}, nil
}

func dialEngine(host string) (apiClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return inner, nil
}

// conn returns the live client, dialling and pinging under the lock when needed.
func (e *Engine) conn(ctx context.Context) (apiClient, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return e.client, nil
	}
	c, err := e.dial(e.host)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	ping, err := c.Ping(ctx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrEngineUnavailable, err)
	}
	e.logger.Info("connected to container engine", "host", e.host, "api_version", ping.APIVersion)
	e.client = c
	return c, nil
}

// Reconnect drops the current connection so the next call dials again.
func (e *Engine) Reconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		e.client.Close()
		e.client = nil
	}
}

// do runs op against the engine, retrying once on a fresh connection when
// the first attempt could not reach the engine.
func (e *Engine) do(ctx context.Context, op func(apiClient) error) error {
	for attempt := 0; ; attempt++ {
		c, err := e.conn(ctx)
		if err != nil {
			if attempt == 0 && ctx.Err() == nil {
				continue
			}
			return err
		}
		err = op(c)
		if err == nil || !client.IsErrConnectionFailed(err) {
			return err
		}
		e.logger.Warn("container engine connection lost", "attempt", attempt+1, "error", err)
		e.Reconnect()
		if attempt > 0 {
			return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
		}
	}
}

// Ping checks that the engine is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	return e.do(ctx, func(c apiClient) error {
		_, err := c.Ping(ctx)
		return err
	})
}

// Build starts an image build and returns its output stream. The caller must
// drain and close the stream; cancelling ctx aborts the build.
func (e *Engine) Build(ctx context.Context, req BuildRequest) (*BuildStream, error) {
	if strings.TrimSpace(req.Dir) == "" {
		return nil, errors.New("build directory cannot be empty")
	}
	if strings.TrimSpace(req.Tag) == "" {
		return nil, errors.New("image tag cannot be empty")
	}
	opts := types.ImageBuildOptions{
		Tags:        []string{req.Tag},
		Dockerfile:  DockerfileName,
		Platform:    Platform,
		Remove:      true,
		ForceRemove: true,
		BuildArgs:   req.BuildArgs,
		Labels:      req.Labels,
	}
	if req.MemoryBytes > 0 {
		opts.Memory = req.MemoryBytes
		opts.MemorySwap = req.MemoryBytes
	}
	if req.CPUMillicores > 0 {
		opts.CPUPeriod = cpuPeriod
		opts.CPUQuota = req.CPUMillicores * cpuPeriod / 1000
	}

	var stream *BuildStream
	err := e.do(ctx, func(c apiClient) error {
		buildCtx, err := tarContext(req.Dir)
		if err != nil {
			return &BuildFailedError{Tag: req.Tag, Message: "create build context", Err: err}
		}
		defer buildCtx.Close()
		resp, err := c.ImageBuild(ctx, buildCtx, opts)
		if err != nil {
			return err
		}
		stream = NewBuildStream(req.Tag, resp.Body)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrEngineUnavailable) || errors.As(err, new(*BuildFailedError)) {
			return nil, err
		}
		return nil, &BuildFailedError{Tag: req.Tag, Err: err}
	}
	return stream, nil
}

// Push uploads tag to its registry, passing progress lines to onOutput.
func (e *Engine) Push(ctx context.Context, tag string, onOutput func(string)) error {
	var body io.ReadCloser
	err := e.do(ctx, func(c apiClient) error {
		rc, err := c.ImagePush(ctx, tag, image.PushOptions{RegistryAuth: e.auth})
		if err != nil {
			return err
		}
		body = rc
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrEngineUnavailable) {
			return err
		}
		return &PushFailedError{Tag: tag, Err: err}
	}
	defer body.Close()

	dec := json.NewDecoder(body)
	for {
		var msg jsonMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return &PushFailedError{Tag: tag, Err: fmt.Errorf("decode push output: %w", err)}
		}
		if errMsg := msg.errorMessage(); errMsg != "" {
			return &PushFailedError{Tag: tag, Message: errMsg}
		}
		if line := msg.render(); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
}

// Close releases the engine connection.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}
