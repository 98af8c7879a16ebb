package config

import (
	"os"
	"path/filepath"
)

// Detection describes the engine endpoint found on this machine.
type Detection struct {
	Host   string
	Source string
}

// DetectEngine returns the engine address to use when none is configured.
// DOCKER_HOST wins; otherwise the first socket that exists is used. An
// empty Host means none was found and the client default applies.
func DetectEngine(home string) Detection {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return Detection{Host: h, Source: "DOCKER_HOST"}
	}

	var sockets []string
	if runtime := os.Getenv("XDG_RUNTIME_DIR"); runtime != "" {
		sockets = append(sockets,
			filepath.Join(runtime, "docker.sock"),
			filepath.Join(runtime, "podman", "podman.sock"),
		)
	}
	if home != "" {
		sockets = append(sockets,
			filepath.Join(home, ".docker", "run", "docker.sock"),
			filepath.Join(home, ".colima", "default", "docker.sock"),
		)
	}
	sockets = append(sockets, "/var/run/docker.sock")

	for _, s := range sockets {
		if info, err := os.Stat(s); err == nil && info.Mode()&os.ModeSocket != 0 {
			return Detection{Host: "unix://" + s, Source: s}
		}
	}
	return Detection{}
}
