package unit

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/sectorkit/sectorkit/kio"
	"github.com/sectorkit/sectorkit/proc"
	"golang.org/x/sys/unix"
)

// PortConflictError reports an attempt to bind a Local endpoint over a
// filesystem entry that is not a socket; Bind refuses to unlink such an
// entry (it belongs to someone else).
type PortConflictError struct {
	Route string
}

func (e *PortConflictError) Error() string {
	return fmt.Sprintf("unit: %s exists and is not a socket", e.Route)
}

// Ports manages the named sets of listening sockets belonging to a Unit.
// Each slot holds a set of endpoint -> file descriptor bindings; a slot's
// bindings are inheritable across re-exec via Store/Load, so an in-place
// daemon restart does not drop established listeners.
type Ports struct {
	mu    sync.Mutex
	sets  map[string]map[Endpoint]int
	users map[string]proc.Processor
}

// NewPorts constructs an empty Ports device.
func NewPorts() *Ports {
	return &Ports{
		sets:  make(map[string]map[Endpoint]int),
		users: make(map[string]proc.Processor),
	}
}

// Discard closes every file descriptor bound to slot and removes it.
func (p *Ports) Discard(slot string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, fd := range p.sets[slot] {
		_ = unix.Close(fd)
	}
	delete(p.sets, slot)
	delete(p.users, slot)
}

// Bind binds each of endpoints and adds it to slot's set. A Local
// endpoint whose socket file already exists is unlinked first, so a
// stale socket file left behind by a crashed process does not block a
// respawn.
func (p *Ports) Bind(slot string, endpoints ...Endpoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.sets[slot]
	if !ok {
		set = make(map[Endpoint]int)
		p.sets[slot] = set
	}

	for _, ep := range endpoints {
		if local, ok := ep.(LocalEndpoint); ok {
			if info, err := os.Lstat(local.Route()); err == nil {
				if info.Mode()&os.ModeSocket == 0 {
					return &PortConflictError{Route: local.Route()}
				}
				if err := unix.Unlink(local.Route()); err != nil {
					return fmt.Errorf("unit: unlink stale socket %s: %w", local.Route(), err)
				}
			}
		}
		fd, err := bind(ep)
		if err != nil {
			return fmt.Errorf("unit: bind %s: %w", ep, err)
		}
		set[ep] = fd
	}
	return nil
}

// bind constructs and binds a listening socket for endpoint, returning
// its nonblocking file descriptor. The caller is responsible for
// accepting on it (see kio.NewKAccept for accept handling).
func bind(ep Endpoint) (int, error) {
	switch e := ep.(type) {
	case LocalEndpoint:
		fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
		if err != nil {
			return -1, err
		}
		sa := &unix.SockaddrUnix{Name: e.Route()}
		if err := unix.Bind(fd, sa); err != nil {
			_ = unix.Close(fd)
			return -1, err
		}
		if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
			_ = unix.Close(fd)
			return -1, err
		}
		if err := kio.SetNonblock(fd); err != nil {
			_ = unix.Close(fd)
			return -1, err
		}
		return fd, nil
	case IPEndpoint:
		domain := unix.AF_INET
		if e.v6 {
			domain = unix.AF_INET6
		}
		fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
		if err != nil {
			return -1, err
		}
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		ip := net.ParseIP(e.Address)
		if ip == nil && e.Address != "" {
			_ = unix.Close(fd)
			return -1, fmt.Errorf("unit: bad address %q", e.Address)
		}
		var sa unix.Sockaddr
		if e.v6 {
			var addr [16]byte
			if ip != nil {
				copy(addr[:], ip.To16())
			}
			sa = &unix.SockaddrInet6{Port: e.Port, Addr: addr}
		} else {
			var addr [4]byte
			if ip4 := ip.To4(); ip4 != nil {
				copy(addr[:], ip4)
			}
			sa = &unix.SockaddrInet4{Port: e.Port, Addr: addr}
		}
		if err := unix.Bind(fd, sa); err != nil {
			_ = unix.Close(fd)
			return -1, err
		}
		if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
			_ = unix.Close(fd)
			return -1, err
		}
		if err := kio.SetNonblock(fd); err != nil {
			_ = unix.Close(fd)
			return -1, err
		}
		return fd, nil
	default:
		return -1, fmt.Errorf("unit: endpoint protocol %q is not bindable", ep.Protocol())
	}
}

// Close closes the file descriptors bound to the given endpoints within
// slot and removes them from the set.
func (p *Ports) Close(slot string, endpoints ...Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.sets[slot]
	for _, ep := range endpoints {
		if fd, ok := set[ep]; ok {
			_ = unix.Close(fd)
			delete(set, ep)
		}
	}
}

// Acquire returns a snapshot of slot's endpoint -> descriptor bindings.
func (p *Ports) Acquire(slot string) map[Endpoint]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[Endpoint]int, len(p.sets[slot]))
	for ep, fd := range p.sets[slot] {
		out[ep] = fd
	}
	return out
}

// Associate records processor as the user of slot, for diagnostics.
func (p *Ports) Associate(slot string, processor proc.Processor) {
	p.mu.Lock()
	p.users[slot] = processor
	p.mu.Unlock()
}

// Replace binds any of endpoints not already present in slot and closes
// any binding in slot whose endpoint is absent from endpoints, so slot's
// set ends up exactly matching endpoints. Returns the endpoints that
// were closed.
func (p *Ports) Replace(slot string, endpoints ...Endpoint) ([]Endpoint, error) {
	p.mu.Lock()
	current := make(map[Endpoint]struct{}, len(p.sets[slot]))
	for ep := range p.sets[slot] {
		current[ep] = struct{}{}
	}
	p.mu.Unlock()

	wanted := make(map[Endpoint]struct{}, len(endpoints))
	var toBind []Endpoint
	for _, ep := range endpoints {
		wanted[ep] = struct{}{}
		if _, ok := current[ep]; !ok {
			toBind = append(toBind, ep)
		}
	}
	if len(toBind) > 0 {
		if err := p.Bind(slot, toBind...); err != nil {
			return nil, err
		}
	}

	var toClose []Endpoint
	for ep := range current {
		if _, ok := wanted[ep]; !ok {
			toClose = append(toClose, ep)
		}
	}
	p.Close(slot, toClose...)
	return toClose, nil
}

// portSnapshot is the gob-encoded form persisted by Store and restored
// by Load. Endpoint is an interface, so snapshot entries are flattened
// into a concrete, gob-registerable shape rather than encoded directly.
type portSnapshot struct {
	Slot string
	Kind string
	Ep   [4]string // Directory/File, Address/Port(as string), ID(as string)/Port
	Fd   int
}

// Store serializes every slot's current endpoint -> fd bindings. The fds
// themselves are not duplicated by Store/Load; the caller is expected to
// pass FDs across exec via ProcAttr.ExtraFiles or a SCM_RIGHTS transfer
// and to remap the stored values accordingly before resuming Ports from
// the blob Load returns.
func (p *Ports) Store() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var snapshots []portSnapshot
	for slot, set := range p.sets {
		for ep, fd := range set {
			snapshots = append(snapshots, encodeEndpoint(slot, ep, fd))
		}
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshots); err != nil {
		return nil, fmt.Errorf("unit: encode port snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Load replaces Ports' state with the bindings previously produced by
// Store. The descriptors in blob must already be valid in this process
// (inherited across exec), Load does not bind anything new.
func (p *Ports) Load(blob []byte) error {
	var snapshots []portSnapshot
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&snapshots); err != nil {
		return fmt.Errorf("unit: decode port snapshot: %w", err)
	}

	sets := make(map[string]map[Endpoint]int)
	for _, snap := range snapshots {
		ep, err := decodeEndpoint(snap)
		if err != nil {
			return err
		}
		set, ok := sets[snap.Slot]
		if !ok {
			set = make(map[Endpoint]int)
			sets[snap.Slot] = set
		}
		set[ep] = snap.Fd
	}

	p.mu.Lock()
	p.sets = sets
	p.mu.Unlock()
	return nil
}

func encodeEndpoint(slot string, ep Endpoint, fd int) portSnapshot {
	snap := portSnapshot{Slot: slot, Kind: ep.Protocol(), Fd: fd}
	switch e := ep.(type) {
	case LocalEndpoint:
		snap.Ep = [4]string{e.Directory, e.File, "", ""}
	case IPEndpoint:
		snap.Ep = [4]string{e.Address, fmt.Sprint(e.Port), fmt.Sprint(e.v6), ""}
	case CoprocessEndpoint:
		snap.Ep = [4]string{fmt.Sprint(e.ID), e.Port, "", ""}
	}
	return snap
}

func decodeEndpoint(snap portSnapshot) (Endpoint, error) {
	switch snap.Kind {
	case "local":
		return Local(snap.Ep[0], snap.Ep[1]), nil
	case "ip4":
		var port int
		fmt.Sscan(snap.Ep[1], &port)
		return IP4(snap.Ep[0], port), nil
	case "ip6":
		var port int
		fmt.Sscan(snap.Ep[1], &port)
		return IP6(snap.Ep[0], port), nil
	case "coprocess":
		var id int
		fmt.Sscan(snap.Ep[0], &id)
		return Coprocess(id, snap.Ep[1]), nil
	default:
		return nil, fmt.Errorf("unit: unknown endpoint kind %q in port snapshot", snap.Kind)
	}
}
