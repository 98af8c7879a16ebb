package sshconfig

import (
	"bufio"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const (
	BeginMarker = "# BEGIN redock managed hosts"
	EndMarker   = "# END redock managed hosts"

	sourcePrefix = "# redock "
	indent       = "    "
)

// fixedOptions are rendered into every Host block. Sandboxes are
// recreated with fresh host keys, so host key checking is disabled.
var fixedOptions = [][2]string{
	{"StrictHostKeyChecking", "no"},
	{"UserKnownHostsFile", "/dev/null"},
	{"LogLevel", "ERROR"},
}

// Fragment is one Host block in the managed region.
type Fragment struct {
	Alias        string
	HostName     string
	Port         int
	User         string
	IdentityFile string

	// Source is the sandbox address the fragment was rendered for, in
	// namespace:tag form.
	Source string
}

// Validate reports whether the fragment can be rendered.
func (f Fragment) Validate() error {
	if f.Alias == "" {
		return fmt.Errorf("fragment has no alias")
	}
	if strings.ContainsAny(f.Alias, " \t\r\n*?!") {
		return fmt.Errorf("alias %q is not a plain host name", f.Alias)
	}
	if f.HostName == "" {
		return fmt.Errorf("fragment %s has no host name", f.Alias)
	}
	if f.Port <= 0 || f.Port > 65535 {
		return fmt.Errorf("fragment %s has invalid port %d", f.Alias, f.Port)
	}
	for _, v := range []string{f.HostName, f.User, f.IdentityFile, f.Source} {
		if strings.ContainsAny(v, "\r\n") {
			return fmt.Errorf("fragment %s contains a line break", f.Alias)
		}
	}
	return nil
}

func (f Fragment) render(b *strings.Builder) {
	fmt.Fprintf(b, "Host %s\n", f.Alias)
	if f.Source != "" {
		fmt.Fprintf(b, "%s%s%s\n", indent, sourcePrefix, f.Source)
	}
	fmt.Fprintf(b, "%sHostName %s\n", indent, f.HostName)
	fmt.Fprintf(b, "%sPort %d\n", indent, f.Port)
	if f.User != "" {
		fmt.Fprintf(b, "%sUser %s\n", indent, f.User)
	}
	if f.IdentityFile != "" {
		fmt.Fprintf(b, "%sIdentityFile %s\n", indent, quoteValue(f.IdentityFile))
	}
	for _, opt := range fixedOptions {
		fmt.Fprintf(b, "%s%s %s\n", indent, opt[0], opt[1])
	}
}

// renderRegion renders the managed region, markers included, with a
// trailing newline.
func renderRegion(frags map[string]Fragment) string {
	aliases := make([]string, 0, len(frags))
	for alias := range frags {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	var b strings.Builder
	b.WriteString(BeginMarker + "\n")
	for i, alias := range aliases {
		if i > 0 {
			b.WriteString("\n")
		}
		frags[alias].render(&b)
	}
	b.WriteString(EndMarker + "\n")
	return b.String()
}

// parseRegion reads fragments back from the lines between the markers.
// Options it does not manage are ignored.
func parseRegion(body string) (map[string]Fragment, error) {
	frags := make(map[string]Fragment)
	var cur *Fragment
	flush := func() {
		if cur != nil {
			frags[cur.Alias] = *cur
			cur = nil
		}
	}

	sc := bufio.NewScanner(strings.NewReader(body))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, sourcePrefix) {
			if cur != nil {
				cur.Source = strings.TrimSpace(strings.TrimPrefix(line, sourcePrefix))
			}
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}

		key, value := splitOption(line)
		if strings.EqualFold(key, "Host") {
			flush()
			cur = &Fragment{Alias: value}
			continue
		}
		if cur == nil {
			return nil, fmt.Errorf("line %d: %q outside a Host block", lineNo, line)
		}
		switch strings.ToLower(key) {
		case "hostname":
			cur.HostName = value
		case "port":
			p, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid port %q", lineNo, value)
			}
			cur.Port = p
		case "user":
			cur.User = value
		case "identityfile":
			cur.IdentityFile = value
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	flush()
	return frags, nil
}

// splitOption splits "Key value" or "Key=value" and unquotes the value.
func splitOption(line string) (string, string) {
	i := strings.IndexAny(line, " \t=")
	if i < 0 {
		return line, ""
	}
	key := line[:i]
	value := strings.TrimLeft(line[i:], " \t=")
	return key, unquoteValue(strings.TrimSpace(value))
}

func quoteValue(v string) string {
	if strings.ContainsAny(v, " \t") {
		return `"` + v + `"`
	}
	return v
}

func unquoteValue(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}
