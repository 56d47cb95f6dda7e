// Package network attaches challenge containers to the deployer bridge
// and publishes their ports on the host using iptables DNAT rules.
package network

import (
	"fmt"
	"os/exec"
	"sync"

	"github.com/ctflab/ctfdeployer/pkg/log"
)

// publishedPort remembers enough of a rule set to remove it later.
type publishedPort struct {
	containerIP   string
	hostPort      int
	containerPort int
}

// Publisher manages iptables rules mapping host ports to container
// ports. Rules are tracked per container so cleanup needs no iptables
// scanning.
type Publisher struct {
	mu        sync.Mutex
	published map[string]publishedPort // container id -> rule set
}

// NewPublisher creates a Publisher.
func NewPublisher() *Publisher {
	return &Publisher{
		published: make(map[string]publishedPort),
	}
}

// Publish forwards hostPort on the host to containerIP:containerPort.
func (p *Publisher) Publish(containerID, containerIP string, hostPort, containerPort int) error {
	if err := p.setupForwarding(containerIP, hostPort, containerPort); err != nil {
		return err
	}

	p.mu.Lock()
	p.published[containerID] = publishedPort{
		containerIP:   containerIP,
		hostPort:      hostPort,
		containerPort: containerPort,
	}
	p.mu.Unlock()

	log.WithContainerID(containerID).Debug().
		Int("host_port", hostPort).
		Int("container_port", containerPort).
		Str("container_ip", containerIP).
		Msg("Published container port")
	return nil
}

// Unpublish removes the rules for a container. Unknown containers are a
// no-op so removal paths stay idempotent.
func (p *Publisher) Unpublish(containerID string) error {
	p.mu.Lock()
	rule, ok := p.published[containerID]
	delete(p.published, containerID)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	p.removeForwarding(rule.containerIP, rule.hostPort, rule.containerPort)
	return nil
}

// setupForwarding creates the DNAT, MASQUERADE and FORWARD rules for
// one port mapping.
func (p *Publisher) setupForwarding(containerIP string, hostPort, containerPort int) error {
	dnat := []string{
		"-t", "nat",
		"-A", "PREROUTING",
		"-p", "tcp",
		"--dport", fmt.Sprintf("%d", hostPort),
		"-j", "DNAT",
		"--to-destination", fmt.Sprintf("%s:%d", containerIP, containerPort),
	}
	if err := runIPTables(dnat); err != nil {
		return fmt.Errorf("failed to add DNAT rule: %w", err)
	}

	masq := []string{
		"-t", "nat",
		"-A", "POSTROUTING",
		"-p", "tcp",
		"-d", containerIP,
		"--dport", fmt.Sprintf("%d", containerPort),
		"-j", "MASQUERADE",
	}
	if err := runIPTables(masq); err != nil {
		p.removeForwarding(containerIP, hostPort, containerPort)
		return fmt.Errorf("failed to add MASQUERADE rule: %w", err)
	}

	forward := []string{
		"-A", "FORWARD",
		"-p", "tcp",
		"-d", containerIP,
		"--dport", fmt.Sprintf("%d", containerPort),
		"-j", "ACCEPT",
	}
	if err := runIPTables(forward); err != nil {
		p.removeForwarding(containerIP, hostPort, containerPort)
		return fmt.Errorf("failed to add FORWARD rule: %w", err)
	}

	return nil
}

// removeForwarding deletes the rule set. Errors are ignored; a rule
// that never existed leaves nothing behind.
func (p *Publisher) removeForwarding(containerIP string, hostPort, containerPort int) {
	runIPTables([]string{
		"-t", "nat",
		"-D", "PREROUTING",
		"-p", "tcp",
		"--dport", fmt.Sprintf("%d", hostPort),
		"-j", "DNAT",
		"--to-destination", fmt.Sprintf("%s:%d", containerIP, containerPort),
	})
	runIPTables([]string{
		"-t", "nat",
		"-D", "POSTROUTING",
		"-p", "tcp",
		"-d", containerIP,
		"--dport", fmt.Sprintf("%d", containerPort),
		"-j", "MASQUERADE",
	})
	runIPTables([]string{
		"-D", "FORWARD",
		"-p", "tcp",
		"-d", containerIP,
		"--dport", fmt.Sprintf("%d", containerPort),
		"-j", "ACCEPT",
	})
}

func runIPTables(args []string) error {
	cmd := exec.Command("iptables", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables failed: %w (output: %s)", err, string(output))
	}
	return nil
}
