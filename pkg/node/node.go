package node

import "github.com/google/uuid"

//a node is an object that represents a machine in the allocation. The first node runs the coordinator, the others run workers.
//the node deals with the physical layer: name, address and the inventory collected while provisioning.

type Role string

const (
	Coordinator Role = "coordinator"
	Worker      Role = "worker"
)

type Node struct {
	Name            string  `json:"name"`
	Ip              string  `json:"ip,omitempty"`
	Role            Role    `json:"role"`
	Cores           int     `json:"cores,omitempty"`
	Memory          int     `json:"memory_mb,omitempty"`
	MemoryAvailable int     `json:"memory_available_mb,omitempty"`
	Load            float64 `json:"load1,omitempty"`
}

// Allocation is the ordered node set of one run. It is never empty and is not
// modified after Resolve returns it, apart from inventory fields.
type Allocation struct {
	Nodes  []Node `json:"nodes"`
	Local  bool   `json:"local"`
	Source string `json:"source,omitempty"`
}

func (a Allocation) Coordinator() Node {
	return a.Nodes[0]
}

func (a Allocation) Workers() []Node {
	if len(a.Nodes) < 2 {
		return nil
	}
	return a.Nodes[1:]
}

func (a Allocation) Names() []string {
	names := make([]string, 0, len(a.Nodes))
	for _, n := range a.Nodes {
		names = append(names, n.Name)
	}
	return names
}

// SafeName maps a host name onto characters valid in file and container names.
// A name that had to be changed gets a suffix derived from the original, so two
// hosts never share a name.
func SafeName(host string) string {
	b := []byte(host)
	changed := false
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.', c == '_':
		default:
			b[i] = '_'
			changed = true
		}
	}
	if !changed {
		return host
	}
	return string(b) + "-" + uuid.NewSHA1(uuid.NameSpaceDNS, []byte(host)).String()[:8]
}
