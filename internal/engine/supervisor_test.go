package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockClient implements Client for testing.
type MockClient struct {
	CreateCalled  int
	StartCalled   int
	StopCalled    int
	RemoveCalled  int
	InspectCalled int
	PullCalled    int
	CloseCalled   int

	CreateResponse container.CreateResponse
	CreateError    error

	StartErrors  []error
	startCallIdx int

	InspectResponse types.ContainerJSON
	InspectError    error

	ImageInspectError error

	LastCreateConfig  *container.Config
	LastHostConfig    *container.HostConfig
	LastContainerName string
}

func (m *MockClient) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *specs.Platform, containerName string) (container.CreateResponse, error) {
	m.CreateCalled++
	m.LastCreateConfig = config
	m.LastHostConfig = hostConfig
	m.LastContainerName = containerName
	return m.CreateResponse, m.CreateError
}

func (m *MockClient) ContainerStart(context.Context, string, container.StartOptions) error {
	m.StartCalled++
	if len(m.StartErrors) > 0 {
		if m.startCallIdx < len(m.StartErrors) {
			err := m.StartErrors[m.startCallIdx]
			m.startCallIdx++
			return err
		}
		return m.StartErrors[len(m.StartErrors)-1]
	}
	return nil
}

func (m *MockClient) ContainerStop(context.Context, string, container.StopOptions) error {
	m.StopCalled++
	return nil
}

func (m *MockClient) ContainerRemove(context.Context, string, container.RemoveOptions) error {
	m.RemoveCalled++
	return nil
}

func (m *MockClient) ContainerInspect(context.Context, string) (types.ContainerJSON, error) {
	m.InspectCalled++
	return m.InspectResponse, m.InspectError
}

func (m *MockClient) ContainerWait(context.Context, string, container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	waitCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	waitCh <- container.WaitResponse{StatusCode: 0}
	return waitCh, errCh
}

func (m *MockClient) ImagePull(context.Context, string, image.PullOptions) (io.ReadCloser, error) {
	m.PullCalled++
	return io.NopCloser(strings.NewReader("")), nil
}

func (m *MockClient) ImageInspect(context.Context, string, ...client.ImageInspectOption) (image.InspectResponse, error) {
	return image.InspectResponse{}, m.ImageInspectError
}

func (m *MockClient) Close() error {
	m.CloseCalled++
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func vllmConfig() Config {
	return Config{
		Name:          "chat-completions",
		Image:         "vllm/vllm-openai:v0.8.3",
		ContainerPort: 8000,
		GPUDevice:     "0",
		Env:           []string{"MODEL=meta-llama/Llama-3.2-3B-Instruct"},
	}
}

func TestEnsureRunning_CreatesAndStartsEngine(t *testing.T) {
	mock := &MockClient{CreateResponse: container.CreateResponse{ID: "container-123"}}
	sup := NewSupervisor(mock, NewPortAllocator(19000, 19010, 0), time.Minute, testLogger())

	endpoint, err := sup.EnsureRunning(context.Background(), vllmConfig())

	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:19000/metrics", endpoint)
	assert.Equal(t, 1, mock.CreateCalled)
	assert.Equal(t, 1, mock.StartCalled)
	assert.Equal(t, 0, mock.PullCalled, "a local image needs no pull")
	assert.Equal(t, "chat-completions", mock.LastContainerName)
	assert.Equal(t, "vllm/vllm-openai:v0.8.3", mock.LastCreateConfig.Image)
	assert.Contains(t, mock.LastCreateConfig.Env, "NVIDIA_VISIBLE_DEVICES=0")
	assert.Contains(t, mock.LastCreateConfig.Env, "MODEL=meta-llama/Llama-3.2-3B-Instruct")
	assert.NotNil(t, mock.LastCreateConfig.ExposedPorts["8000/tcp"])
	assert.Equal(t, "nvidia", mock.LastHostConfig.Runtime)

	bindings := mock.LastHostConfig.PortBindings[nat.Port("8000/tcp")]
	require.Len(t, bindings, 1)
	assert.Equal(t, "19000", bindings[0].HostPort)
	assert.Equal(t, "127.0.0.1", bindings[0].HostIP)
}

func TestEnsureRunning_PullsMissingImage(t *testing.T) {
	mock := &MockClient{
		CreateResponse:    container.CreateResponse{ID: "container-123"},
		ImageInspectError: errors.New("no such image"),
	}
	sup := NewSupervisor(mock, NewPortAllocator(19000, 19010, 0), time.Minute, testLogger())

	_, err := sup.EnsureRunning(context.Background(), vllmConfig())

	require.NoError(t, err)
	assert.Equal(t, 1, mock.PullCalled)
}

func TestEnsureRunning_ReleasesPortOnCreateFailure(t *testing.T) {
	mock := &MockClient{CreateError: errors.New("daemon unavailable")}
	ports := NewPortAllocator(19000, 19000, 0)
	sup := NewSupervisor(mock, ports, time.Minute, testLogger())

	_, err := sup.EnsureRunning(context.Background(), vllmConfig())

	require.Error(t, err)
	assert.Equal(t, 1, ports.AvailableCount(), "failed start must give the port back")
}

func TestEnsureRunning_FailsWhenPortsExhausted(t *testing.T) {
	mock := &MockClient{CreateResponse: container.CreateResponse{ID: "container-123"}}
	ports := NewPortAllocator(19000, 19000, time.Hour)
	sup := NewSupervisor(mock, ports, time.Minute, testLogger())

	_, err := sup.EnsureRunning(context.Background(), vllmConfig())
	require.NoError(t, err)

	cfg := vllmConfig()
	cfg.Name = "embeddings"
	_, err = sup.EnsureRunning(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrNoFreePorts)
}

func TestEnsureRunning_RetriesEngineStart(t *testing.T) {
	mock := &MockClient{
		CreateResponse: container.CreateResponse{ID: "container-123"},
		StartErrors: []error{
			errors.New("transient error 1"),
			errors.New("transient error 2"),
			nil,
		},
	}
	sup := NewSupervisor(mock, NewPortAllocator(19000, 19010, 0), time.Minute, testLogger())

	_, err := sup.EnsureRunning(context.Background(), vllmConfig())

	require.NoError(t, err)
	assert.Equal(t, 3, mock.StartCalled, "should retry twice then succeed")
}

func TestMonitor_RestartsDeadEngine(t *testing.T) {
	mock := &MockClient{CreateResponse: container.CreateResponse{ID: "container-123"}}
	sup := NewSupervisor(mock, NewPortAllocator(19000, 19010, 0), time.Minute, testLogger())

	_, err := sup.EnsureRunning(context.Background(), vllmConfig())
	require.NoError(t, err)

	mock.InspectResponse = types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:    "container-123",
			State: &types.ContainerState{Status: "exited", Running: false},
		},
	}
	sup.checkOnce(context.Background())

	assert.Equal(t, 1, mock.InspectCalled)
	assert.Equal(t, 2, mock.StartCalled, "dead engine should be started again")
}

func TestMonitor_LeavesHealthyEngineAlone(t *testing.T) {
	mock := &MockClient{CreateResponse: container.CreateResponse{ID: "container-123"}}
	sup := NewSupervisor(mock, NewPortAllocator(19000, 19010, 0), time.Minute, testLogger())

	_, err := sup.EnsureRunning(context.Background(), vllmConfig())
	require.NoError(t, err)

	mock.InspectResponse = types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:    "container-123",
			State: &types.ContainerState{Status: "running", Running: true},
		},
	}
	sup.checkOnce(context.Background())

	assert.Equal(t, 1, mock.StartCalled)
}

func TestClose_StopsRemovesAndReleases(t *testing.T) {
	mock := &MockClient{CreateResponse: container.CreateResponse{ID: "container-123"}}
	ports := NewPortAllocator(19000, 19000, 0)
	sup := NewSupervisor(mock, ports, time.Minute, testLogger())

	_, err := sup.EnsureRunning(context.Background(), vllmConfig())
	require.NoError(t, err)
	require.Equal(t, 0, ports.AvailableCount())

	require.NoError(t, sup.Close(context.Background()))

	assert.Equal(t, 1, mock.StopCalled)
	assert.Equal(t, 1, mock.RemoveCalled)
	assert.Equal(t, 1, mock.CloseCalled)
	assert.Equal(t, 1, ports.AvailableCount(), "ports must come back on close")
}
