package engine

import (
	stderrors "errors"
	"net"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"

	"github.com/zpdzap/redock/internal/errors"
)

func TestContainerStatus(t *testing.T) {
	tests := []struct {
		name     string
		state    *container.State
		wantKind Kind
	}{
		{"running", &container.State{Running: true, Status: "running"}, KindContainerRunning},
		{"created", &container.State{Status: "created"}, KindContainerCreated},
		{"exited", &container.State{Status: "exited"}, KindContainerExited},
		{"dead", &container.State{Status: "dead"}, KindContainerExited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := container.InspectResponse{
				ContainerJSONBase: &container.ContainerJSONBase{
					ID:    "abc123",
					Name:  "/redock-alice-demo",
					Image: "sha256:feed",
					State: tt.state,
				},
				Config: &container.Config{Labels: map[string]string{"redock.address": "alice:demo"}},
			}
			st := containerStatus(resp)
			assert.Equal(t, tt.wantKind, st.Kind)
			assert.Equal(t, Handle("abc123"), st.ID)
			assert.Equal(t, "redock-alice-demo", st.Name)
			assert.Equal(t, "alice:demo", st.Labels["redock.address"])
		})
	}
}

func TestContainerStatus_SSHPort(t *testing.T) {
	resp := container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    "abc123",
			State: &container.State{Running: true, Status: "running"},
		},
		NetworkSettings: &container.NetworkSettings{
			NetworkSettingsBase: container.NetworkSettingsBase{
				Ports: nat.PortMap{
					nat.Port("22/tcp"): []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "49153"}},
				},
			},
		},
	}

	st := containerStatus(resp)
	assert.Equal(t, "127.0.0.1", st.SSHHost)
	assert.Equal(t, 49153, st.SSHPort)
}

func TestContainerStatus_NilParts(t *testing.T) {
	st := containerStatus(container.InspectResponse{})
	assert.Equal(t, KindContainerCreated, st.Kind)
	assert.Empty(t, st.ID)
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("x", nil))

	netErr := &net.OpError{Op: "dial", Net: "unix", Err: stderrors.New("connect: no such file or directory")}
	assert.True(t, errors.IsKind(classify("inspect", netErr), errors.KindEngineUnavailable))

	rejected := stderrors.New("Error response from daemon: conflict")
	err := classify("remove image", rejected)
	assert.True(t, errors.IsKind(err, errors.KindEngineOperation))
	assert.ErrorIs(t, err, rejected)
}

func TestShort(t *testing.T) {
	assert.Equal(t, "0123456789ab", Short("sha256:0123456789abcdef"))
	assert.Equal(t, "0123456789ab", Short("0123456789abcdef"))
	assert.Equal(t, "abc", Short("abc"))
}

func TestSummaryStatus(t *testing.T) {
	st := summaryStatus(container.Summary{
		ID:      "abc123",
		Names:   []string{"/redock-alice-demo"},
		ImageID: "sha256:feed",
		State:   "running",
		Labels:  map[string]string{"redock.address": "alice:demo"},
		Ports: []container.Port{
			{IP: "127.0.0.1", PrivatePort: 8080, PublicPort: 32000, Type: "tcp"},
			{IP: "127.0.0.1", PrivatePort: 22, PublicPort: 32001, Type: "tcp"},
		},
	})
	assert.Equal(t, KindContainerRunning, st.Kind)
	assert.Equal(t, "redock-alice-demo", st.Name)
	assert.Equal(t, 32001, st.SSHPort)
	assert.Equal(t, "127.0.0.1", st.SSHHost)

	assert.Equal(t, KindContainerExited, summaryStatus(container.Summary{State: "exited"}).Kind)
}
