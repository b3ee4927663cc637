package unit

import "fmt"

// Endpoint identifies a bindable or connectable interface: a local unix
// socket path, an IPv4/IPv6 address and port, or a coprocess interface
// exposed by a sibling daemon-managed process. Endpoint values are
// comparable and usable as map keys, matching Ports' use of them as set
// members.
type Endpoint interface {
	fmt.Stringer
	Protocol() string
}

// LocalEndpoint references a unix domain socket file.
type LocalEndpoint struct {
	Directory string
	File      string
}

// Local constructs a reference to the unix domain socket at
// directory/file.
func Local(directory, file string) LocalEndpoint {
	return LocalEndpoint{Directory: directory, File: file}
}

func (e LocalEndpoint) Protocol() string { return "local" }

func (e LocalEndpoint) Route() string {
	dir := e.Directory
	if len(dir) == 0 || dir[len(dir)-1] != '/' {
		dir += "/"
	}
	return dir + e.File
}

func (e LocalEndpoint) String() string {
	return "[" + e.Route() + "]"
}

// IPEndpoint references an IPv4 or IPv6 address and port.
type IPEndpoint struct {
	Address string
	Port    int
	v6      bool
}

// IP4 constructs an IPv4 endpoint reference.
func IP4(address string, port int) IPEndpoint {
	return IPEndpoint{Address: address, Port: port}
}

// IP6 constructs an IPv6 endpoint reference.
func IP6(address string, port int) IPEndpoint {
	return IPEndpoint{Address: address, Port: port, v6: true}
}

func (e IPEndpoint) Protocol() string {
	if e.v6 {
		return "ip6"
	}
	return "ip4"
}

func (e IPEndpoint) String() string {
	if e.v6 {
		return fmt.Sprintf("[%s]:%d", e.Address, e.Port)
	}
	return fmt.Sprintf("%s:%d", e.Address, e.Port)
}

// CoprocessEndpoint references a listening interface exposed by a
// sibling process in the same daemon-managed process group, addressed
// by a relative process identifier rather than a network address.
type CoprocessEndpoint struct {
	ID   int
	Port string
}

// Coprocess constructs a reference to a coprocess interface.
func Coprocess(id int, port string) CoprocessEndpoint {
	return CoprocessEndpoint{ID: id, Port: port}
}

func (e CoprocessEndpoint) Protocol() string { return "coprocess" }

func (e CoprocessEndpoint) String() string {
	return fmt.Sprintf("[if/%d:%s]", e.ID, e.Port)
}
