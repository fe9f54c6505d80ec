package scanner

import (
	"net/netip"
	"time"

	"github.com/nmslite/fleetinv/internal/classify"
)

// Record is the probe result for one address. It is built once by the worker that probed
// the address and never modified afterwards.
type Record struct {
	Address    string
	IsOnline   bool
	ICMP       bool
	SMB        bool
	RDP        bool
	RemoteMgmt bool
	// IsVirtual collapses Unknown and NotChecked to false.
	IsVirtual      bool
	Classification classify.Classification
	Timestamp      time.Time
}

// PhysicalTargets returns the addresses worth collecting from: remote management reachable
// and not known to be virtual. strict additionally drops hosts whose classification failed.
func PhysicalTargets(records []Record, strict bool) []string {
	var out []string
	for _, r := range records {
		if !r.RemoteMgmt || r.IsVirtual {
			continue
		}
		if strict && r.Classification == classify.Unknown {
			continue
		}
		out = append(out, r.Address)
	}
	return out
}

func lessAddr(a, b string) bool {
	pa, errA := netip.ParseAddr(a)
	pb, errB := netip.ParseAddr(b)
	if errA != nil || errB != nil {
		return a < b
	}
	return pa.Less(pb)
}
