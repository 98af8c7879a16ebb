package sandbox

import (
	"time"

	"github.com/zpdzap/redock/internal/address"
	"github.com/zpdzap/redock/internal/engine"
)

// State is the lifecycle state of a sandbox address.
type State string

const (
	StateAbsent     State = "absent"     // no container, no committed image
	StateImaged     State = "imaged"     // committed image, no running container
	StateRunning    State = "running"    // container running with sshd published
	StateDestroying State = "destroying" // delete in progress
)

// Labels set on every container redock creates.
const (
	LabelAddress   = "redock.address"
	LabelBootstrap = "redock.bootstrap"
)

// Endpoint is where a sandbox's sshd is reachable from the host.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Record is redock's bookkeeping for one address.
type Record struct {
	Address         address.Address `json:"address"`
	State           State           `json:"state"`
	ContainerHandle engine.Handle   `json:"container,omitempty"`
	ImageHandle     engine.Handle   `json:"image,omitempty"`
	Hostname        string          `json:"hostname,omitempty"`
	Endpoint        *Endpoint       `json:"endpoint,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Alias returns the ssh config alias for the record's address.
func (r Record) Alias() string { return r.Address.Alias() }

// BaseImage is the image every fresh sandbox starts from.
type BaseImage struct {
	Handle    engine.Handle `json:"handle"`
	Ref       string        `json:"ref"`
	CreatedAt time.Time     `json:"created_at"`
}
