// Package agent is the reference inventory probe run on each remote host. It reads the
// machine's identity and hardware, and writes one JSON artifact named after the
// management interface's MAC address.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/net"
)

const (
	SchemaVersion = "1.0"
	Origin        = "fleetinv-agent"

	// ControlDir and SubnetFile locate the control file next to the executable.
	ControlDir = "config"
	SubnetFile = "subnet.txt"
	// OutputDir is where artifacts go when no output directory is given.
	OutputDir = "output"
)

// Inventory is the artifact document.
type Inventory struct {
	System   System   `json:"system"`
	CPUs     []CPU    `json:"cpus"`
	Memory   Memory   `json:"memory"`
	Disks    []Disk   `json:"disks"`
	Network  []NIC    `json:"network"`
	Metadata Metadata `json:"metadata"`
}

type System struct {
	Hostname             string `json:"hostname"`
	HostID               string `json:"host_id,omitempty"`
	OS                   string `json:"os"`
	Platform             string `json:"platform"`
	PlatformVersion      string `json:"platform_version"`
	KernelVersion        string `json:"kernel_version"`
	Architecture         string `json:"architecture"`
	VirtualizationSystem string `json:"virtualization_system,omitempty"`
	VirtualizationRole   string `json:"virtualization_role,omitempty"`
	BootTime             uint64 `json:"boot_time"`
	ManagementMAC        string `json:"management_mac,omitempty"`
}

type CPU struct {
	Model  string  `json:"model"`
	Vendor string  `json:"vendor"`
	Cores  int32   `json:"cores"`
	MHz    float64 `json:"mhz"`
	Socket string  `json:"socket,omitempty"`
}

type Memory struct {
	TotalBytes     uint64 `json:"total_bytes"`
	AvailableBytes uint64 `json:"available_bytes"`
}

type Disk struct {
	Device     string `json:"device"`
	Mountpoint string `json:"mountpoint"`
	Filesystem string `json:"filesystem"`
	TotalBytes uint64 `json:"total_bytes"`
	FreeBytes  uint64 `json:"free_bytes"`
}

type NIC struct {
	Name      string   `json:"name"`
	MAC       string   `json:"mac"`
	MTU       int      `json:"mtu"`
	Addresses []string `json:"addresses"`
	Up        bool     `json:"up"`
}

type Metadata struct {
	SchemaVersion string    `json:"schema_version"`
	Origin        string    `json:"origin"`
	CollectedAt   time.Time `json:"collected_at"`
	Subnet        string    `json:"subnet,omitempty"`
	Warnings      []string  `json:"warnings,omitempty"`
}

// Collector builds an Inventory from a Source.
type Collector struct {
	source Source
	logger *slog.Logger
	now    func() time.Time
}

func NewCollector(source Source, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{source: source, logger: logger, now: time.Now}
}

// Collect reads everything the source offers. Only a failure to read host identity is
// fatal; other readers degrade to a warning recorded in the metadata.
func (c *Collector) Collect(ctx context.Context, subnet string) (*Inventory, error) {
	info, err := c.source.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read host identity: %w", err)
	}

	inv := &Inventory{
		System: System{
			Hostname:             info.Hostname,
			HostID:               info.HostID,
			OS:                   info.OS,
			Platform:             info.Platform,
			PlatformVersion:      info.PlatformVersion,
			KernelVersion:        info.KernelVersion,
			Architecture:         info.KernelArch,
			VirtualizationSystem: info.VirtualizationSystem,
			VirtualizationRole:   info.VirtualizationRole,
			BootTime:             info.BootTime,
		},
		CPUs:    []CPU{},
		Disks:   []Disk{},
		Network: []NIC{},
		Metadata: Metadata{
			SchemaVersion: SchemaVersion,
			Origin:        Origin,
			CollectedAt:   c.now().UTC(),
			Subnet:        subnet,
		},
	}

	warn := func(what string, err error) {
		c.logger.WarnContext(ctx, "Inventory reader failed", "reader", what, "error", err)
		inv.Metadata.Warnings = append(inv.Metadata.Warnings, what+": "+err.Error())
	}

	if cpus, err := c.source.CPUs(ctx); err != nil {
		warn("cpu", err)
	} else {
		for _, p := range cpus {
			inv.CPUs = append(inv.CPUs, CPU{
				Model:  strings.TrimSpace(p.ModelName),
				Vendor: p.VendorID,
				Cores:  p.Cores,
				MHz:    p.Mhz,
				Socket: p.PhysicalID,
			})
		}
	}

	if vm, err := c.source.Memory(ctx); err != nil {
		warn("memory", err)
	} else {
		inv.Memory = Memory{TotalBytes: vm.Total, AvailableBytes: vm.Available}
	}

	if parts, err := c.source.Partitions(ctx); err != nil {
		warn("disk", err)
	} else {
		for _, p := range parts {
			d := Disk{Device: p.Device, Mountpoint: p.Mountpoint, Filesystem: p.Fstype}
			if u, err := c.source.Usage(ctx, p.Mountpoint); err != nil {
				warn("disk "+p.Mountpoint, err)
			} else {
				d.TotalBytes, d.FreeBytes = u.Total, u.Free
			}
			inv.Disks = append(inv.Disks, d)
		}
	}

	ifaces, err := c.source.Interfaces(ctx)
	if err != nil {
		warn("network", err)
	}
	for _, iface := range ifaces {
		addrs := make([]string, 0, len(iface.Addrs))
		for _, a := range iface.Addrs {
			addrs = append(addrs, a.Addr)
		}
		inv.Network = append(inv.Network, NIC{
			Name:      iface.Name,
			MAC:       iface.HardwareAddr,
			MTU:       iface.MTU,
			Addresses: addrs,
			Up:        slices.Contains(iface.Flags, "up"),
		})
	}
	inv.System.ManagementMAC = ManagementMAC(ifaces, subnet)

	return inv, nil
}

// ManagementMAC picks the MAC of the interface that carries an IPv4 address in subnet, or of
// the only candidate interface when subnet is empty. It returns "" when there is no single
// answer.
func ManagementMAC(ifaces []net.InterfaceStat, subnet string) string {
	prefix := strings.TrimSuffix(strings.TrimSpace(subnet), ".")
	var macs []string
	for _, iface := range ifaces {
		if iface.HardwareAddr == "" || slices.Contains(iface.Flags, "loopback") {
			continue
		}
		for _, a := range iface.Addrs {
			ip, _, _ := strings.Cut(a.Addr, "/")
			if strings.Count(ip, ".") != 3 {
				continue
			}
			if prefix != "" && !strings.HasPrefix(ip, prefix+".") {
				continue
			}
			mac := strings.ToLower(iface.HardwareAddr)
			if !slices.Contains(macs, mac) {
				macs = append(macs, mac)
			}
			break
		}
	}
	if len(macs) != 1 {
		return ""
	}
	return macs[0]
}

// ArtifactName returns the file name for an artifact: the MAC with every non-alphanumeric
// character replaced by "-", or a random UUID when mac is empty.
func ArtifactName(mac string) string {
	if mac == "" {
		return uuid.NewString() + ".json"
	}
	var b strings.Builder
	for _, r := range mac {
		if ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String() + ".json"
}

// Write stores inv in dir and returns the artifact path.
func Write(dir string, inv *Inventory) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	data, err := json.MarshalIndent(inv, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode inventory: %w", err)
	}

	path := filepath.Join(dir, ArtifactName(inv.System.ManagementMAC))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write inventory: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", errors.Join(fmt.Errorf("failed to write inventory: %w", err), os.Remove(tmp))
	}
	return path, nil
}

// ReadSubnet returns the subnet prefix from the control file under baseDir. A missing file
// yields "" without error.
func ReadSubnet(baseDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, ControlDir, SubnetFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read subnet file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
