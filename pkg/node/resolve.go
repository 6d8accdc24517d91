package node

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/aditip149209/okrun/pkg/fault"
)

var hostname = os.Hostname

// ParseHostList reads one host per line. Blank lines and lines starting with '#'
// are dropped; duplicates are removed keeping the first occurrence.
func ParseHostList(r io.Reader) ([]string, error) {
	seen := make(map[string]struct{})
	var hosts []string

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		h := strings.TrimSpace(sc.Text())
		if h == "" || strings.HasPrefix(h, "#") {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		hosts = append(hosts, h)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return hosts, nil
}

// Resolve turns the scheduler node file at path into an Allocation. An empty path
// falls back to the local host unless strict is set.
func Resolve(path string, strict bool) (Allocation, error) {
	if path == "" {
		if strict {
			return Allocation{}, fault.Configf("no node file given and strict allocation is enabled")
		}
		name, err := hostname()
		if err != nil || name == "" {
			name = "localhost"
		}
		return FromHosts([]string{name}, true, ""), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return Allocation{}, &fault.ConfigurationError{Msg: "open node file " + path, Err: err}
	}
	defer f.Close()

	hosts, err := ParseHostList(f)
	if err != nil {
		return Allocation{}, &fault.ConfigurationError{Msg: "read node file " + path, Err: err}
	}
	if len(hosts) == 0 {
		return Allocation{}, fault.Configf("node file %s lists no hosts", path)
	}
	return FromHosts(hosts, false, path), nil
}

// FromHosts assigns roles: the first host coordinates, the rest are workers.
func FromHosts(hosts []string, local bool, source string) Allocation {
	a := Allocation{Local: local, Source: source}
	for i, h := range hosts {
		role := Worker
		if i == 0 {
			role = Coordinator
		}
		a.Nodes = append(a.Nodes, Node{Name: h, Role: role})
	}
	return a
}
