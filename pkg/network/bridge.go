package network

import (
	"fmt"
	"net"
	"os/exec"
	"strings"

	"github.com/ctflab/ctfdeployer/pkg/log"
)

// Bridge manages the Linux bridge the challenge containers attach to.
// Each container gets a veth pair: one end on the bridge, the other
// moved into the container's network namespace with a static address
// derived from the container's host port.
type Bridge struct {
	name    string
	subnet  *net.IPNet
	gateway net.IP
}

// NewBridge parses the subnet and prepares a Bridge manager. The
// gateway is the first usable address of the subnet.
func NewBridge(name, subnet string) (*Bridge, error) {
	_, ipnet, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet %s: %w", subnet, err)
	}

	gw := make(net.IP, len(ipnet.IP))
	copy(gw, ipnet.IP)
	gw[len(gw)-1]++

	return &Bridge{name: name, subnet: ipnet, gateway: gw}, nil
}

// Ensure creates the bridge if missing, assigns the gateway address and
// brings it up. Safe to call on every startup.
func (b *Bridge) Ensure() error {
	if err := runIP("link", "add", "name", b.name, "type", "bridge"); err != nil {
		if !strings.Contains(err.Error(), "File exists") {
			return fmt.Errorf("failed to create bridge %s: %w", b.name, err)
		}
	}

	ones, _ := b.subnet.Mask.Size()
	addr := fmt.Sprintf("%s/%d", b.gateway, ones)
	if err := runIP("addr", "add", addr, "dev", b.name); err != nil {
		if !strings.Contains(err.Error(), "File exists") {
			return fmt.Errorf("failed to address bridge %s: %w", b.name, err)
		}
	}

	if err := runIP("link", "set", b.name, "up"); err != nil {
		return fmt.Errorf("failed to bring up bridge %s: %w", b.name, err)
	}

	log.WithComponent("network").Info().
		Str("bridge", b.name).
		Str("gateway", addr).
		Msg("Bridge ready")
	return nil
}

// ContainerIP derives the static address for a container from its host
// port offset within the pool. Offsets start a few addresses past the
// gateway to leave room for system services.
func (b *Bridge) ContainerIP(hostPort, startRange int) string {
	ip := make(net.IP, len(b.subnet.IP))
	copy(ip, b.subnet.IP)
	offset := hostPort - startRange + 10
	ip[len(ip)-2] += byte(offset / 256)
	ip[len(ip)-1] += byte(offset % 256)
	return ip.String()
}

// Attach wires a started container (by its init pid) onto the bridge
// with the given address.
func (b *Bridge) Attach(pid uint32, containerIP string) error {
	host := fmt.Sprintf("veth%d", pid)
	peer := fmt.Sprintf("vethp%d", pid)

	if err := runIP("link", "add", host, "type", "veth", "peer", "name", peer); err != nil {
		return fmt.Errorf("failed to create veth pair: %w", err)
	}
	if err := runIP("link", "set", host, "master", b.name); err != nil {
		runIP("link", "del", host)
		return fmt.Errorf("failed to enslave veth to bridge: %w", err)
	}
	if err := runIP("link", "set", host, "up"); err != nil {
		runIP("link", "del", host)
		return fmt.Errorf("failed to bring up veth: %w", err)
	}
	if err := runIP("link", "set", peer, "netns", fmt.Sprintf("%d", pid)); err != nil {
		runIP("link", "del", host)
		return fmt.Errorf("failed to move veth into container: %w", err)
	}

	ones, _ := b.subnet.Mask.Size()
	netns := fmt.Sprintf("%d", pid)
	steps := [][]string{
		{"netns", "exec", netns, "ip", "link", "set", peer, "name", "eth0"},
		{"netns", "exec", netns, "ip", "addr", "add", fmt.Sprintf("%s/%d", containerIP, ones), "dev", "eth0"},
		{"netns", "exec", netns, "ip", "link", "set", "eth0", "up"},
		{"netns", "exec", netns, "ip", "link", "set", "lo", "up"},
		{"netns", "exec", netns, "ip", "route", "add", "default", "via", b.gateway.String()},
	}
	for _, args := range steps {
		if err := runIP(args...); err != nil {
			runIP("link", "del", host)
			return fmt.Errorf("failed to configure container interface: %w", err)
		}
	}

	return nil
}

// Detach removes the host side of a container's veth pair. The peer
// disappears with the container's namespace.
func (b *Bridge) Detach(pid uint32) {
	runIP("link", "del", fmt.Sprintf("veth%d", pid))
}

func runIP(args ...string) error {
	cmd := exec.Command("ip", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ip %s failed: %w (output: %s)", strings.Join(args, " "), err, string(output))
	}
	return nil
}
