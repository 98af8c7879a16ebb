package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zpdzap/redock/internal/errors"
)

// Fake is an in-memory Engine for tests. It mimics the engine closely
// enough for lifecycle tests: names and references resolve like handles,
// removing an image in use fails, and commits move references.
type Fake struct {
	mu sync.Mutex

	containers map[Handle]*FakeContainer
	images     map[Handle]*FakeImage
	refs       map[string]Handle

	// Errors allows injecting errors for specific methods, keyed by
	// method name (e.g. "CommitContainer").
	Errors map[string]error

	// CallLog records all method calls for verification
	CallLog []FakeCall

	// BeforeCall, when set, runs before every call without the lock held.
	// Tests use it to widen race windows.
	BeforeCall func(method string)

	nextID   int
	nextPort int
}

// FakeContainer is a container known to a Fake engine.
type FakeContainer struct {
	ID      Handle
	Spec    ContainerSpec
	Image   Handle
	Kind    Kind
	SSHPort int
}

// FakeImage is an image known to a Fake engine.
type FakeImage struct {
	ID     Handle
	Refs   []string
	From   Handle
	Commit CommitOptions
}

// FakeCall represents a recorded method call
type FakeCall struct {
	Method string
	Arg    string
}

// NewFake creates an empty fake engine.
func NewFake() *Fake {
	return &Fake{
		containers: make(map[Handle]*FakeContainer),
		images:     make(map[Handle]*FakeImage),
		refs:       make(map[string]Handle),
		Errors:     make(map[string]error),
		nextPort:   32768,
	}
}

func (f *Fake) begin(method, arg string) error {
	if f.BeforeCall != nil {
		f.BeforeCall(method)
	}
	f.mu.Lock()
	f.CallLog = append(f.CallLog, FakeCall{Method: method, Arg: arg})
	if err, ok := f.Errors[method]; ok {
		f.mu.Unlock()
		return err
	}
	return nil
}

// SetError sets an error to be returned by a method. A nil err clears it.
func (f *Fake) SetError(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.Errors, method)
		return
	}
	f.Errors[method] = err
}

// AddImage registers an image under ref and returns its handle.
func (f *Fake) AddImage(ref string) Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addImageLocked(ref, "", CommitOptions{})
}

func (f *Fake) addImageLocked(ref string, from Handle, opts CommitOptions) Handle {
	f.nextID++
	id := Handle(fmt.Sprintf("sha256:%064d", f.nextID))
	img := &FakeImage{ID: id, From: from, Commit: opts}
	f.images[id] = img
	if ref != "" {
		f.tagLocked(img, ref)
	}
	return id
}

func (f *Fake) tagLocked(img *FakeImage, ref string) {
	ref = normalizeRef(ref)
	if prev, ok := f.refs[ref]; ok {
		if old := f.images[prev]; old != nil {
			old.Refs = removeString(old.Refs, ref)
		}
	}
	f.refs[ref] = img.ID
	img.Refs = append(img.Refs, ref)
}

// AddContainer registers a container in the given state, as if created
// earlier by another process.
func (f *Fake) AddContainer(spec ContainerSpec, kind Kind) Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := Handle(fmt.Sprintf("%064d", f.nextID))
	c := &FakeContainer{ID: id, Spec: spec, Image: f.refs[normalizeRef(spec.Image)], Kind: kind}
	if kind == KindContainerRunning && spec.PublishSSH {
		c.SSHPort = f.allocPortLocked()
	}
	f.containers[id] = c
	return id
}

func (f *Fake) allocPortLocked() int {
	p := f.nextPort
	f.nextPort++
	return p
}

// Containers returns a snapshot of all containers sorted by name.
func (f *Fake) Containers() []FakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeContainer, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spec.Name < out[j].Spec.Name })
	return out
}

// Image returns the image a reference or ID points at.
func (f *Fake) Image(h string) (FakeImage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img := f.imageLocked(Handle(h))
	if img == nil {
		return FakeImage{}, false
	}
	return *img, true
}

// CallsFor returns the number of recorded calls to method.
func (f *Fake) CallsFor(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.CallLog {
		if c.Method == method {
			n++
		}
	}
	return n
}

// CallsWith returns the number of recorded calls to method with arg.
func (f *Fake) CallsWith(method, arg string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.CallLog {
		if c.Method == method && c.Arg == arg {
			n++
		}
	}
	return n
}

func (f *Fake) containerLocked(h Handle) *FakeContainer {
	if c, ok := f.containers[h]; ok {
		return c
	}
	for _, c := range f.containers {
		if c.Spec.Name == string(h) {
			return c
		}
	}
	return nil
}

func (f *Fake) imageLocked(h Handle) *FakeImage {
	if img, ok := f.images[h]; ok {
		return img
	}
	if id, ok := f.refs[normalizeRef(string(h))]; ok {
		return f.images[id]
	}
	return nil
}

func noSuch(what string, h Handle) error {
	return errors.EngineOperation("lookup", fmt.Errorf("No such %s: %s", what, h))
}

func (f *Fake) CreateContainer(ctx context.Context, spec ContainerSpec) (Handle, error) {
	if err := f.begin("CreateContainer", spec.Name); err != nil {
		return "", err
	}
	defer f.mu.Unlock()

	img := f.imageLocked(Handle(spec.Image))
	if img == nil {
		return "", noSuch("image", Handle(spec.Image))
	}
	if spec.Name != "" && f.containerLocked(Handle(spec.Name)) != nil {
		return "", errors.EngineOperation("create container",
			fmt.Errorf("Conflict. The container name %q is already in use", "/"+spec.Name))
	}
	f.nextID++
	id := Handle(fmt.Sprintf("%064d", f.nextID))
	f.containers[id] = &FakeContainer{ID: id, Spec: spec, Image: img.ID, Kind: KindContainerCreated}
	return id, nil
}

func (f *Fake) StartContainer(ctx context.Context, h Handle) error {
	if err := f.begin("StartContainer", string(h)); err != nil {
		return err
	}
	defer f.mu.Unlock()

	c := f.containerLocked(h)
	if c == nil {
		return noSuch("container", h)
	}
	if c.Kind != KindContainerRunning {
		c.Kind = KindContainerRunning
		if c.Spec.PublishSSH {
			c.SSHPort = f.allocPortLocked()
		}
	}
	return nil
}

func (f *Fake) StopContainer(ctx context.Context, h Handle) error {
	if err := f.begin("StopContainer", string(h)); err != nil {
		return err
	}
	defer f.mu.Unlock()

	c := f.containerLocked(h)
	if c == nil {
		return noSuch("container", h)
	}
	if c.Kind == KindContainerRunning {
		c.Kind = KindContainerExited
		c.SSHPort = 0
	}
	return nil
}

func (f *Fake) RemoveContainer(ctx context.Context, h Handle) error {
	if err := f.begin("RemoveContainer", string(h)); err != nil {
		return err
	}
	defer f.mu.Unlock()

	c := f.containerLocked(h)
	if c == nil {
		return noSuch("container", h)
	}
	delete(f.containers, c.ID)
	return nil
}

func (f *Fake) CommitContainer(ctx context.Context, h Handle, opts CommitOptions) (Handle, error) {
	if err := f.begin("CommitContainer", opts.Reference); err != nil {
		return "", err
	}
	defer f.mu.Unlock()

	c := f.containerLocked(h)
	if c == nil {
		return "", noSuch("container", h)
	}
	return f.addImageLocked(opts.Reference, c.Image, opts), nil
}

func (f *Fake) RemoveImage(ctx context.Context, h Handle) error {
	if err := f.begin("RemoveImage", string(h)); err != nil {
		return err
	}
	defer f.mu.Unlock()

	img := f.imageLocked(h)
	if img == nil {
		return noSuch("image", h)
	}
	for _, c := range f.containers {
		if c.Image == img.ID {
			return errors.EngineOperation("remove image",
				fmt.Errorf("conflict: unable to remove %s: image is being used by container %s", h, Short(c.ID)))
		}
	}
	for _, ref := range img.Refs {
		delete(f.refs, ref)
	}
	delete(f.images, img.ID)
	return nil
}

func (f *Fake) Inspect(ctx context.Context, h Handle) (Status, error) {
	if err := f.begin("Inspect", string(h)); err != nil {
		return Status{}, err
	}
	defer f.mu.Unlock()

	if c := f.containerLocked(h); c != nil {
		st := Status{
			Kind:   c.Kind,
			ID:     c.ID,
			Name:   c.Spec.Name,
			Image:  c.Image,
			Labels: c.Spec.Labels,
		}
		if c.SSHPort != 0 {
			st.SSHHost = c.Spec.BindAddress
			st.SSHPort = c.SSHPort
		}
		return st, nil
	}
	if img := f.imageLocked(h); img != nil {
		return Status{Kind: KindImage, ID: img.ID, Name: string(h)}, nil
	}
	return Status{Kind: KindMissing, Name: string(h)}, nil
}

func (f *Fake) PullImage(ctx context.Context, ref string) error {
	if err := f.begin("PullImage", ref); err != nil {
		return err
	}
	defer f.mu.Unlock()

	if f.imageLocked(Handle(ref)) == nil {
		f.addImageLocked(ref, "", CommitOptions{})
	}
	return nil
}

func (f *Fake) ListContainers(ctx context.Context, label string) ([]Status, error) {
	if err := f.begin("ListContainers", label); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()

	var out []Status
	for _, c := range f.containers {
		if _, ok := c.Spec.Labels[label]; !ok {
			continue
		}
		st := Status{Kind: c.Kind, ID: c.ID, Name: c.Spec.Name, Image: c.Image, Labels: c.Spec.Labels}
		if c.SSHPort != 0 {
			st.SSHHost = c.Spec.BindAddress
			st.SSHPort = c.SSHPort
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// normalizeRef adds the implicit ":latest" tag to references without one.
func normalizeRef(ref string) string {
	if strings.HasPrefix(ref, "sha256:") {
		return ref
	}
	if strings.LastIndex(ref, ":") <= strings.LastIndex(ref, "/") {
		return ref + ":latest"
	}
	return ref
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// Ensure Fake implements Engine
var _ Engine = (*Fake)(nil)
