// Package address turns symbolic sandbox names into structured addresses.
//
// A name is either "tag" or "namespace:tag". Without a separator the
// namespace is the invoking operator.
package address

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/user"
	"regexp"
	"strings"

	"github.com/distribution/reference"

	"github.com/zpdzap/redock/internal/errors"
)

// Separator splits namespace from tag on the wire.
const Separator = ":"

// AliasSuffix is appended to the tag to form the SSH host alias.
const AliasSuffix = "-container"

// maxTag is the longest tag the engine accepts.
const maxTag = 128

var (
	validPart = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)
	slugStrip = regexp.MustCompile(`[^a-z0-9]+`)
)

// Address identifies one sandbox. Namespaces are stored lowercase because
// they become image repository names.
type Address struct {
	Namespace string
	Tag       string
}

// Resolve parses raw into an Address. currentUser becomes the namespace
// when raw has no separator.
func Resolve(raw, currentUser string) (Address, error) {
	var ns, tag string
	parts := strings.Split(raw, Separator)
	switch len(parts) {
	case 1:
		ns, tag = currentUser, raw
	case 2:
		ns, tag = parts[0], parts[1]
	default:
		return Address{}, errors.InvalidName(raw, fmt.Sprintf("more than one %q separator", Separator))
	}

	if err := checkPart(raw, "namespace", ns); err != nil {
		return Address{}, err
	}
	if err := checkPart(raw, "tag", tag); err != nil {
		return Address{}, err
	}
	if len(tag) > maxTag {
		return Address{}, errors.InvalidName(raw, fmt.Sprintf("tag longer than %d characters", maxTag))
	}

	a := Address{Namespace: strings.ToLower(ns), Tag: tag}
	if _, err := reference.ParseNormalizedNamed(a.ImageRef()); err != nil {
		return Address{}, errors.InvalidName(raw, fmt.Sprintf("namespace %q is not a valid image repository: %v", ns, err))
	}
	return a, nil
}

// MustResolve is Resolve for names known to be valid, such as test fixtures.
func MustResolve(raw, currentUser string) Address {
	a, err := Resolve(raw, currentUser)
	if err != nil {
		panic(err)
	}
	return a
}

func checkPart(raw, field, value string) error {
	if value == "" {
		return errors.InvalidName(raw, "empty "+field)
	}
	if !validPart.MatchString(value) {
		return errors.InvalidName(raw, fmt.Sprintf("%s %q must start with [A-Za-z0-9_] and contain only [A-Za-z0-9_.-]", field, value))
	}
	return nil
}

// CurrentUser returns the invoking operator's identity: $USER when set,
// otherwise the account name from the user database.
func CurrentUser() string {
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "redock"
}

// String renders the wire form namespace:tag.
func (a Address) String() string {
	return a.Namespace + Separator + a.Tag
}

// IsZero reports whether a is the zero Address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// ImageRef is the engine image reference the sandbox commits to. Image
// repositories must be lowercase, tags keep their case.
func (a Address) ImageRef() string {
	return strings.ToLower(a.Namespace) + Separator + a.Tag
}

// ContainerName is the engine container name for the sandbox. Slugs are
// lossy, so a digest of the full address keeps distinct addresses apart.
func (a Address) ContainerName() string {
	sum := sha256.Sum256([]byte(a.String()))
	return "redock-" + Slug(a.Namespace) + "-" + Slug(a.Tag) + "-" + hex.EncodeToString(sum[:4])
}

// Alias is the SSH host alias for the sandbox.
func (a Address) Alias() string {
	return Slug(a.Tag + AliasSuffix)
}

// Slug lowercases text and collapses every run of characters outside
// [a-z0-9] into a single dash.
func Slug(text string) string {
	return strings.Trim(slugStrip.ReplaceAllString(strings.ToLower(text), "-"), "-")
}
