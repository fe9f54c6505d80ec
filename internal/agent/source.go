package agent

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// Source reads raw hardware facts. SystemSource is the gopsutil-backed implementation.
type Source interface {
	Host(ctx context.Context) (*host.InfoStat, error)
	CPUs(ctx context.Context) ([]cpu.InfoStat, error)
	Memory(ctx context.Context) (*mem.VirtualMemoryStat, error)
	Partitions(ctx context.Context) ([]disk.PartitionStat, error)
	Usage(ctx context.Context, mountpoint string) (*disk.UsageStat, error)
	Interfaces(ctx context.Context) ([]net.InterfaceStat, error)
}

// SystemSource reads the local machine.
type SystemSource struct{}

func (SystemSource) Host(ctx context.Context) (*host.InfoStat, error) {
	return host.InfoWithContext(ctx)
}

func (SystemSource) CPUs(ctx context.Context) ([]cpu.InfoStat, error) {
	return cpu.InfoWithContext(ctx)
}

func (SystemSource) Memory(ctx context.Context) (*mem.VirtualMemoryStat, error) {
	return mem.VirtualMemoryWithContext(ctx)
}

func (SystemSource) Partitions(ctx context.Context) ([]disk.PartitionStat, error) {
	return disk.PartitionsWithContext(ctx, false)
}

func (SystemSource) Usage(ctx context.Context, mountpoint string) (*disk.UsageStat, error) {
	return disk.UsageWithContext(ctx, mountpoint)
}

func (SystemSource) Interfaces(ctx context.Context) ([]net.InterfaceStat, error) {
	return net.InterfacesWithContext(ctx)
}
