// Package ma implements a minimal multiaddress: an ordered list of
// (protocol, value) components. The core treats a Multiaddr as opaque
// except for extracting the transport-family tag used in Conn stats.
package ma

import "strings"

// Component is a single protocol/value pair within a Multiaddr, e.g.
// {"ip4", "127.0.0.1"} or {"tcp", "4001"}.
type Component struct {
	Protocol string
	Value    string
}

// Multiaddr is a composable, self-describing network address.
type Multiaddr struct {
	components []Component
}

// New builds a Multiaddr from an ordered list of components.
func New(components ...Component) Multiaddr {
	return Multiaddr{components: append([]Component(nil), components...)}
}

// Parse reads a slash-delimited address of the form
// "/proto/value/proto/value/...". An empty string yields an empty Multiaddr.
// A trailing protocol with no value (e.g. "/ip4/1.2.3.4/udx") becomes a
// component with an empty Value.
func Parse(s string) Multiaddr {
	s = strings.Trim(s, "/")
	if s == "" {
		return Multiaddr{}
	}
	parts := strings.Split(s, "/")
	var m Multiaddr
	for i := 0; i < len(parts); i += 2 {
		c := Component{Protocol: parts[i]}
		if i+1 < len(parts) {
			c.Value = parts[i+1]
		}
		m.components = append(m.components, c)
	}
	return m
}

// Components returns the ordered (protocol, value) pairs.
func (m Multiaddr) Components() []Component {
	return append([]Component(nil), m.components...)
}

// Transport returns the protocol tag of the first transport-family
// component (tcp, udx, ws, ...), or "" if none is present. This is the
// only part of a Multiaddr the core is permitted to interpret.
func (m Multiaddr) Transport() string {
	for _, c := range m.components {
		switch c.Protocol {
		case "tcp", "udp", "udx", "ws", "wss", "quic", "quic-v1":
			return c.Protocol
		}
	}
	return ""
}

func (m Multiaddr) String() string {
	var b strings.Builder
	for _, c := range m.components {
		b.WriteByte('/')
		b.WriteString(c.Protocol)
		b.WriteByte('/')
		b.WriteString(c.Value)
	}
	return b.String()
}

// Empty reports whether the Multiaddr has no components.
func (m Multiaddr) Empty() bool { return len(m.components) == 0 }
