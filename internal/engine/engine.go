// Package engine defines the container engine interface redock drives.
// Containers and images are addressed by opaque handles and every call
// either succeeds or fails with
// EngineUnavailableError (transport) or EngineOperationError (rejected by
// the engine). Retry decisions belong to the caller.
package engine

import "context"

// Handle is an opaque engine identifier for a container or image. Engines
// also accept names (container names, image references) wherever a handle
// is expected.
type Handle string

// Kind is the closed set of things Inspect can report.
type Kind string

const (
	KindMissing          Kind = "missing"
	KindContainerCreated Kind = "created"
	KindContainerRunning Kind = "running"
	KindContainerExited  Kind = "exited"
	KindImage            Kind = "image"
)

// SSHPort is the port sshd listens on inside every sandbox.
const SSHPort = "22/tcp"

// Status describes what a handle refers to.
type Status struct {
	Kind   Kind
	ID     Handle
	Name   string
	Image  Handle // image a container was created from
	Labels map[string]string

	// Published sshd endpoint, containers only. Zero when not published.
	SSHHost string
	SSHPort int
}

// Exists reports whether the handle refers to anything.
func (s Status) Exists() bool { return s.Kind != KindMissing && s.Kind != "" }

// IsContainer reports whether the handle refers to a container in any state.
func (s Status) IsContainer() bool {
	switch s.Kind {
	case KindContainerCreated, KindContainerRunning, KindContainerExited:
		return true
	}
	return false
}

// Running reports whether the handle refers to a running container.
func (s Status) Running() bool { return s.Kind == KindContainerRunning }

// ContainerSpec holds options for creating a container
type ContainerSpec struct {
	Name     string
	Image    string
	Hostname string
	Cmd      []string
	Labels   map[string]string

	// PublishSSH publishes SSHPort on an ephemeral host port bound to
	// BindAddress.
	PublishSSH  bool
	BindAddress string
}

// CommitOptions holds options for committing a container to an image
type CommitOptions struct {
	Reference string   // repository:tag to point at the new image
	Message   string   // commit message
	Author    string   // commit author
	Changes   []string // Dockerfile instructions applied to the image config
}

// Engine is the interface container backends must implement.
// All methods should be safe for concurrent use.
type Engine interface {
	// CreateContainer creates a container but does not start it
	CreateContainer(ctx context.Context, spec ContainerSpec) (Handle, error)

	// StartContainer starts a created or exited container
	StartContainer(ctx context.Context, h Handle) error

	// StopContainer stops a running container
	StopContainer(ctx context.Context, h Handle) error

	// RemoveContainer removes a container, killing it if needed
	RemoveContainer(ctx context.Context, h Handle) error

	// CommitContainer persists a container's filesystem as an image
	CommitContainer(ctx context.Context, h Handle, opts CommitOptions) (Handle, error)

	// RemoveImage removes an image
	RemoveImage(ctx context.Context, h Handle) error

	// Inspect reports what a handle refers to. A handle that refers to
	// nothing yields KindMissing and a nil error.
	Inspect(ctx context.Context, h Handle) (Status, error)

	// PullImage downloads an image reference from its registry
	PullImage(ctx context.Context, ref string) error

	// ListContainers reports every container, in any state, that carries
	// the label key
	ListContainers(ctx context.Context, label string) ([]Status, error)
}
