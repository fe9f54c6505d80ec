package scanner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nmslite/fleetinv/internal/classify"
	"github.com/nmslite/fleetinv/internal/config"
	"github.com/nmslite/fleetinv/internal/faults"
	"github.com/nmslite/fleetinv/internal/logging"
	"github.com/nmslite/fleetinv/internal/probe"
)

// fakeProber answers from a table of address -> reachable ports (0 is ICMP).
type fakeProber struct {
	up    map[string]map[int]bool
	delay time.Duration

	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func (f *fakeProber) enter() func() {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return func() { f.inFlight.Add(-1) }
}

func (f *fakeProber) TCP(_ context.Context, addr string, port int, _ time.Duration) bool {
	defer f.enter()()
	return f.up[addr][port]
}

func (f *fakeProber) ICMP(_ context.Context, addr string, _ time.Duration) bool {
	defer f.enter()()
	return f.up[addr][0]
}

type fakeClassifier struct {
	mu      sync.Mutex
	calls   []string
	results map[string]classify.Result
	err     error
}

func (f *fakeClassifier) Classify(_ context.Context, addr string, _ config.Credentials, _ time.Duration) (classify.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, addr)
	f.mu.Unlock()
	if f.err != nil {
		return classify.Result{}, f.err
	}
	return f.results[addr], nil
}

func baseOptions() Options {
	return Options{
		Prefix:           "10.0.0",
		Start:            1,
		End:              3,
		Timeout:          time.Second,
		MaxConcurrency:   4,
		Protocols:        probe.AllProtocols,
		DetectHostType:   true,
		ProgressInterval: 1,
	}
}

func TestAddresses(t *testing.T) {
	ips, err := Addresses("10.0.0", 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
	for i := range want {
		if ips[i] != want[i] {
			t.Errorf("ips[%d] = %s, want %s", i, ips[i], want[i])
		}
	}
	for _, bad := range []struct {
		prefix     string
		start, end int
	}{{"10.0", 1, 3}, {"10.0.0", 3, 1}, {"10.0.0", 1, 256}} {
		if _, err := Addresses(bad.prefix, bad.start, bad.end); !errors.Is(err, faults.ErrConfig) {
			t.Errorf("Addresses(%v) error = %v, want config error", bad, err)
		}
	}
}

func TestRun_SinglePhysicalHost(t *testing.T) {
	prober := &fakeProber{up: map[string]map[int]bool{
		"10.0.0.2": {5985: true},
	}}
	cls := &fakeClassifier{results: map[string]classify.Result{
		"10.0.0.2": {Manufacturer: "Dell Inc.", Model: "OptiPlex"},
	}}
	sink := NewMemorySink()

	online, err := New(baseOptions(), prober, cls, sink, logging.Discard()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(online) != 1 || online[0].Address != "10.0.0.2" {
		t.Fatalf("online = %+v", online)
	}
	r := online[0]
	if !r.RemoteMgmt || r.ICMP || r.IsVirtual || r.Classification != classify.Physical || r.Timestamp.IsZero() {
		t.Errorf("record = %+v", r)
	}
	if got := PhysicalTargets(online, true); len(got) != 1 || got[0] != "10.0.0.2" {
		t.Errorf("PhysicalTargets() = %v", got)
	}
	if len(sink.Records()) != 3 {
		t.Errorf("sink has %d records, want every probed address", len(sink.Records()))
	}
	if len(cls.calls) != 1 {
		t.Errorf("classifier calls = %v", cls.calls)
	}
}

func TestRun_OnlineIffAnyEnabledProbe(t *testing.T) {
	tests := []struct {
		name       string
		ports      map[int]bool
		protocols  []probe.Protocol
		wantOnline bool
	}{
		{"icmp only", map[int]bool{0: true}, probe.AllProtocols, true},
		{"smb only", map[int]bool{445: true}, probe.AllProtocols, true},
		{"rdp only", map[int]bool{3389: true}, probe.AllProtocols, true},
		{"nothing", map[int]bool{}, probe.AllProtocols, false},
		{"reachable protocol disabled", map[int]bool{3389: true}, []probe.Protocol{probe.ICMP, probe.SMB}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := baseOptions()
			opts.End = 1
			opts.Protocols = tt.protocols
			prober := &fakeProber{up: map[string]map[int]bool{"10.0.0.1": tt.ports}}
			cls := &fakeClassifier{}

			online, err := New(opts, prober, cls, nil, logging.Discard()).Run(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if got := len(online) == 1; got != tt.wantOnline {
				t.Errorf("online = %v, want %v", got, tt.wantOnline)
			}
			if len(cls.calls) != 0 {
				t.Errorf("classifier called without remote management: %v", cls.calls)
			}
			if int(prober.calls.Load()) != len(tt.protocols) {
				t.Errorf("probe calls = %d, want %d", prober.calls.Load(), len(tt.protocols))
			}
		})
	}
}

func TestRun_ClassificationFailureIsUnknown(t *testing.T) {
	opts := baseOptions()
	opts.End = 1
	prober := &fakeProber{up: map[string]map[int]bool{"10.0.0.1": {5985: true}}}
	cls := &fakeClassifier{err: errors.New("access denied")}

	online, err := New(opts, prober, cls, nil, logging.Discard()).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	r := online[0]
	if r.IsVirtual || r.Classification != classify.Unknown {
		t.Errorf("record = %+v, want Unknown and not virtual", r)
	}
	if got := PhysicalTargets(online, false); len(got) != 1 {
		t.Errorf("lenient PhysicalTargets() = %v", got)
	}
	if got := PhysicalTargets(online, true); len(got) != 0 {
		t.Errorf("strict PhysicalTargets() = %v", got)
	}
}

func TestRun_DetectionDisabled(t *testing.T) {
	opts := baseOptions()
	opts.DetectHostType = false
	prober := &fakeProber{up: map[string]map[int]bool{"10.0.0.3": {5985: true}}}
	cls := &fakeClassifier{}

	online, err := New(opts, prober, cls, nil, logging.Discard()).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(cls.calls) != 0 || online[0].Classification != classify.NotChecked {
		t.Errorf("calls=%v record=%+v", cls.calls, online[0])
	}
}

func TestRun_SSHTransportProbesSSHPort(t *testing.T) {
	cfg := config.Default()
	cfg.Subnet = config.SubnetConfig{BaseSubnet: "10.0.0", StartIP: 1, EndIP: 3}
	cfg.Execution.Transport = "ssh"
	opts, err := OptionsFromConfig(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	prober := &fakeProber{up: map[string]map[int]bool{
		"10.0.0.1": {22: true},
		"10.0.0.2": {5985: true},
	}}
	cls := &fakeClassifier{}

	online, err := New(opts, prober, cls, nil, logging.Discard()).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(online) != 1 || online[0].Address != "10.0.0.1" || !online[0].RemoteMgmt {
		t.Fatalf("online = %+v, want only the host with ssh open", online)
	}
	if len(cls.calls) != 0 || online[0].Classification != classify.NotChecked {
		t.Errorf("calls=%v record=%+v", cls.calls, online[0])
	}
}

func TestRun_BoundedConcurrencyAndOrder(t *testing.T) {
	opts := baseOptions()
	opts.End = 40
	opts.MaxConcurrency = 5
	opts.Protocols = []probe.Protocol{probe.ICMP}
	up := make(map[string]map[int]bool)
	ips, _ := Addresses("10.0.0", 1, 40)
	for _, ip := range ips {
		up[ip] = map[int]bool{0: true}
	}
	prober := &fakeProber{up: up, delay: 5 * time.Millisecond}

	online, err := New(opts, prober, nil, NewMemorySink(), logging.Discard()).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(online) != 40 {
		t.Fatalf("online = %d, want 40", len(online))
	}
	for i, r := range online {
		if r.Address != ips[i] {
			t.Fatalf("online[%d] = %s, want %s", i, r.Address, ips[i])
		}
	}
	if p := prober.peak.Load(); p > 5 {
		t.Errorf("peak concurrency = %d, want <= 5", p)
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(baseOptions(), &fakeProber{}, nil, nil, logging.Discard()).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestRun_InvalidOptions(t *testing.T) {
	opts := baseOptions()
	opts.Prefix = "bogus"
	if _, err := New(opts, &fakeProber{}, nil, nil, logging.Discard()).Run(context.Background()); !errors.Is(err, faults.ErrConfig) {
		t.Errorf("Run() error = %v, want config error", err)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Subnet = config.SubnetConfig{BaseSubnet: "192.168.5", StartIP: 10, EndIP: 20}
	opts, err := OptionsFromConfig(&cfg)
	if err != nil {
		t.Fatal(err)
	}
	if opts.Prefix != "192.168.5" || opts.Start != 10 || opts.End != 20 || len(opts.Protocols) != 4 || opts.RemoteMgmtPort != 5985 {
		t.Errorf("opts = %+v", opts)
	}

	cfg.Execution.Protocols = []string{"telnet"}
	if _, err := OptionsFromConfig(&cfg); !errors.Is(err, faults.ErrConfig) {
		t.Errorf("error = %v, want config error", err)
	}
}

func TestOptionsFromConfig_Transport(t *testing.T) {
	tests := []struct {
		transport  string
		detect     bool
		wantPort   int
		wantDetect bool
	}{
		{transport: "winrm", detect: true, wantPort: 5985, wantDetect: true},
		{transport: "winrm", detect: false, wantPort: 5985, wantDetect: false},
		{transport: "ssh", detect: true, wantPort: 2222, wantDetect: false},
	}

	for _, tt := range tests {
		t.Run(tt.transport, func(t *testing.T) {
			cfg := config.Default()
			cfg.Execution.Transport = tt.transport
			cfg.Execution.SSHPort = 2222
			cfg.Execution.DetectHostType = tt.detect
			opts, err := OptionsFromConfig(&cfg)
			if err != nil {
				t.Fatal(err)
			}
			if opts.RemoteMgmtPort != tt.wantPort {
				t.Errorf("RemoteMgmtPort = %d, want %d", opts.RemoteMgmtPort, tt.wantPort)
			}
			if opts.DetectHostType != tt.wantDetect {
				t.Errorf("DetectHostType = %v, want %v", opts.DetectHostType, tt.wantDetect)
			}
		})
	}
}
