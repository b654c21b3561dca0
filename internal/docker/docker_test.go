package docker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu         sync.Mutex
	pingErr    error
	buildErrs  []error
	buildBody  string
	pushBody   string
	buildOpts  types.ImageBuildOptions
	pushOpts   image.PushOptions
	buildCalls int
	closed     bool
}

func (f *fakeClient) Ping(context.Context) (types.Ping, error) {
	return types.Ping{APIVersion: "1.47"}, f.pingErr
}

func (f *fakeClient) ImageBuild(_ context.Context, buildContext io.Reader, opts types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buildCalls++
	f.buildOpts = opts
	_, _ = io.Copy(io.Discard, buildContext)
	if len(f.buildErrs) > 0 {
		err := f.buildErrs[0]
		f.buildErrs = f.buildErrs[1:]
		if err != nil {
			return types.ImageBuildResponse{}, err
		}
	}
	return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(f.buildBody))}, nil
}

func (f *fakeClient) ImagePush(_ context.Context, _ string, opts image.PushOptions) (io.ReadCloser, error) {
	f.pushOpts = opts
	return io.NopCloser(strings.NewReader(f.pushBody)), nil
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func testEngine(t *testing.T, clients ...*fakeClient) (*Engine, *int) {
	t.Helper()
	engine, err := NewEngine("", Credentials{Registry: "registry.local", Username: "ci", Password: "secret"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	dials := 0
	engine.dial = func(string) (apiClient, error) {
		if dials >= len(clients) {
			return nil, errors.New("no engine")
		}
		c := clients[dials]
		dials++
		return c, nil
	}
	return engine, &dials
}

func contextDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644))
	return dir
}

const successOutput = `{"stream":"Step 1/1 : FROM scratch\n"}
{"status":"Downloading","id":"abc","progressDetail":{"current":5,"total":10}}
{"stream":"\n"}
{"aux":{"ID":"sha256:deadbeef"}}
{"stream":"Successfully built deadbeef\n"}
`

func TestBuildStreamYieldsLinesAndImageID(t *testing.T) {
	stream := NewBuildStream("app:1", io.NopCloser(strings.NewReader(successOutput)))
	var lines []string
	require.NoError(t, stream.Drain(func(line string) { lines = append(lines, line) }))
	assert.Equal(t, []string{
		"Step 1/1 : FROM scratch",
		"abc Downloading 5/10",
		"image id: sha256:deadbeef",
		"Successfully built deadbeef",
	}, lines)
	assert.Equal(t, "sha256:deadbeef", stream.ImageID())

	_, err := stream.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestBuildStreamSurfacesEngineError(t *testing.T) {
	body := `{"stream":"Step 1/2 : RUN false\n"}
{"errorDetail":{"message":"The command '/bin/sh -c false' returned a non-zero code: 1"},"error":"The command '/bin/sh -c false' returned a non-zero code: 1"}
`
	stream := NewBuildStream("app:1", io.NopCloser(strings.NewReader(body)))
	line, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, "Step 1/2 : RUN false", line)

	_, err = stream.Next()
	var failed *BuildFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "app:1", failed.Tag)
	assert.Contains(t, failed.Message, "non-zero code: 1")
}

func TestBuildUsesFixedPlatformAndLimits(t *testing.T) {
	fake := &fakeClient{buildBody: successOutput}
	engine, _ := testEngine(t, fake)

	stream, err := engine.Build(context.Background(), BuildRequest{Dir: contextDir(t), Tag: "acme/web:1", MemoryBytes: 1 << 30, CPUMillicores: 500})
	require.NoError(t, err)
	defer stream.Close()
	require.NoError(t, stream.Drain(nil))

	assert.Equal(t, Platform, fake.buildOpts.Platform)
	assert.Equal(t, DockerfileName, fake.buildOpts.Dockerfile)
	assert.Equal(t, []string{"acme/web:1"}, fake.buildOpts.Tags)
	assert.Equal(t, int64(1<<30), fake.buildOpts.Memory)
	assert.Equal(t, int64(100000), fake.buildOpts.CPUPeriod)
	assert.Equal(t, int64(50000), fake.buildOpts.CPUQuota)
}

func TestBuildRetriesOnceAfterConnectionFailure(t *testing.T) {
	first := &fakeClient{buildErrs: []error{client.ErrorConnectionFailed("unix:///var/run/docker.sock")}}
	second := &fakeClient{buildBody: successOutput}
	engine, dials := testEngine(t, first, second)

	stream, err := engine.Build(context.Background(), BuildRequest{Dir: contextDir(t), Tag: "web:1"})
	require.NoError(t, err)
	require.NoError(t, stream.Drain(nil))
	assert.Equal(t, 2, *dials)
	assert.True(t, first.closed)
	assert.Equal(t, 1, second.buildCalls)
}

func TestBuildReportsEngineUnavailable(t *testing.T) {
	failure := client.ErrorConnectionFailed("tcp://engine:2375")
	engine, _ := testEngine(t,
		&fakeClient{buildErrs: []error{failure}},
		&fakeClient{buildErrs: []error{failure}},
	)
	_, err := engine.Build(context.Background(), BuildRequest{Dir: contextDir(t), Tag: "web:1"})
	assert.ErrorIs(t, err, ErrEngineUnavailable)

	unreachable, _ := testEngine(t, &fakeClient{pingErr: errors.New("refused")})
	assert.ErrorIs(t, unreachable.Ping(context.Background()), ErrEngineUnavailable)
}

func TestPushSendsCredentialsAndReportsFailure(t *testing.T) {
	fake := &fakeClient{pushBody: `{"status":"The push refers to repository [registry.local/web]"}
{"errorDetail":{"message":"denied: requested access to the resource is denied"},"error":"denied: requested access to the resource is denied"}
`}
	engine, _ := testEngine(t, fake)

	var lines []string
	err := engine.Push(context.Background(), "registry.local/web:1", func(line string) { lines = append(lines, line) })
	var failed *PushFailedError
	require.ErrorAs(t, err, &failed)
	assert.Contains(t, failed.Message, "denied")
	assert.Equal(t, []string{"The push refers to repository [registry.local/web]"}, lines)
	assert.NotEmpty(t, fake.pushOpts.RegistryAuth)
}

func TestContextSizeHonoursDockerignore(t *testing.T) {
	dir := t.TempDir()
	write := func(rel string, size int) {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	}
	write("Dockerfile", 10)
	write("src/main.go", 100)
	write("node_modules/pkg/index.js", 5000)
	write("logs/debug.log", 700)
	write("logs/keep.log", 30)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".dockerignore"), []byte("node_modules\nlogs/*.log\n!logs/keep.log\n"), 0o644))

	size, err := ContextSize(dir)
	require.NoError(t, err)
	ignoreSize := int64(len("node_modules\nlogs/*.log\n!logs/keep.log\n"))
	assert.Equal(t, 10+100+30+ignoreSize, size)
}
