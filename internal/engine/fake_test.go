package engine

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zpdzap/redock/internal/errors"
)

func TestFake_ContainerLifecycle(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.AddImage("redock:base")

	h, err := f.CreateContainer(ctx, ContainerSpec{
		Name:        "redock-alice-demo",
		Image:       "redock:base",
		PublishSSH:  true,
		BindAddress: "127.0.0.1",
	})
	require.NoError(t, err)

	st, err := f.Inspect(ctx, "redock-alice-demo")
	require.NoError(t, err)
	assert.Equal(t, KindContainerCreated, st.Kind)
	assert.Equal(t, h, st.ID)
	assert.Zero(t, st.SSHPort)

	require.NoError(t, f.StartContainer(ctx, h))
	st, err = f.Inspect(ctx, h)
	require.NoError(t, err)
	assert.True(t, st.Running())
	assert.Equal(t, "127.0.0.1", st.SSHHost)
	assert.NotZero(t, st.SSHPort)

	require.NoError(t, f.StopContainer(ctx, h))
	st, err = f.Inspect(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, KindContainerExited, st.Kind)

	require.NoError(t, f.RemoveContainer(ctx, h))
	st, err = f.Inspect(ctx, h)
	require.NoError(t, err)
	assert.False(t, st.Exists())
}

func TestFake_CreateRequiresImage(t *testing.T) {
	f := NewFake()
	_, err := f.CreateContainer(context.Background(), ContainerSpec{Name: "x", Image: "missing:tag"})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindEngineOperation))
}

func TestFake_NameConflict(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.AddImage("ubuntu:24.04")

	_, err := f.CreateContainer(ctx, ContainerSpec{Name: "dup", Image: "ubuntu:24.04"})
	require.NoError(t, err)
	_, err = f.CreateContainer(ctx, ContainerSpec{Name: "dup", Image: "ubuntu:24.04"})
	assert.Error(t, err)
}

func TestFake_CommitMovesReference(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	base := f.AddImage("redock:base")
	h, err := f.CreateContainer(ctx, ContainerSpec{Name: "c", Image: "redock:base"})
	require.NoError(t, err)

	first, err := f.CommitContainer(ctx, h, CommitOptions{Reference: "alice:demo", Message: "one"})
	require.NoError(t, err)
	second, err := f.CommitContainer(ctx, h, CommitOptions{Reference: "alice:demo", Message: "two"})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	img, ok := f.Image("alice:demo")
	require.True(t, ok)
	assert.Equal(t, second, img.ID)
	assert.Equal(t, base, img.From)
	assert.Equal(t, "two", img.Commit.Message)

	old, ok := f.Image(string(first))
	require.True(t, ok)
	assert.Empty(t, old.Refs)
}

func TestFake_RemoveImageInUse(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.AddImage("alice:demo")
	h, err := f.CreateContainer(ctx, ContainerSpec{Name: "c", Image: "alice:demo"})
	require.NoError(t, err)

	assert.Error(t, f.RemoveImage(ctx, "alice:demo"))

	require.NoError(t, f.RemoveContainer(ctx, h))
	require.NoError(t, f.RemoveImage(ctx, "alice:demo"))

	st, err := f.Inspect(ctx, "alice:demo")
	require.NoError(t, err)
	assert.Equal(t, KindMissing, st.Kind)
}

func TestFake_PullAndLatest(t *testing.T) {
	ctx := context.Background()
	f := NewFake()

	require.NoError(t, f.PullImage(ctx, "ubuntu"))
	st, err := f.Inspect(ctx, "ubuntu:latest")
	require.NoError(t, err)
	assert.Equal(t, KindImage, st.Kind)
}

func TestFake_ErrorInjection(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	boom := errors.EngineUnavailable("inspect", stderrors.New("connection refused"))
	f.SetError("Inspect", boom)

	_, err := f.Inspect(ctx, "anything")
	assert.Same(t, boom, err)

	f.SetError("Inspect", nil)
	_, err = f.Inspect(ctx, "anything")
	assert.NoError(t, err)
	assert.Equal(t, 2, f.CallsFor("Inspect"))
	assert.Equal(t, 2, f.CallsWith("Inspect", "anything"))
}

func TestNormalizeRef(t *testing.T) {
	tests := map[string]string{
		"ubuntu":                 "ubuntu:latest",
		"ubuntu:24.04":           "ubuntu:24.04",
		"localhost:5000/img":     "localhost:5000/img:latest",
		"localhost:5000/img:tag": "localhost:5000/img:tag",
	}
	for in, want := range tests {
		assert.Equal(t, want, normalizeRef(in), in)
	}
}

func TestFake_ListContainers(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.AddImage("redock:base")
	f.AddContainer(ContainerSpec{Name: "b", Image: "redock:base", Labels: map[string]string{"redock.address": "x:b"}}, KindContainerExited)
	f.AddContainer(ContainerSpec{Name: "a", Image: "redock:base", Labels: map[string]string{"redock.address": "x:a"}, PublishSSH: true}, KindContainerRunning)
	f.AddContainer(ContainerSpec{Name: "unrelated", Image: "redock:base"}, KindContainerRunning)

	list, err := f.ListContainers(ctx, "redock.address")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)
	assert.True(t, list[0].Running())
	assert.NotZero(t, list[0].SSHPort)
	assert.Equal(t, "b", list[1].Name)
}
