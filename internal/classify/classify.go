// Package classify decides whether a Windows host is physical or virtual from its
// reported manufacturer and model.
package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nmslite/fleetinv/internal/config"
	"github.com/nmslite/fleetinv/internal/faults"
	"github.com/nmslite/fleetinv/internal/remote"
)

// InspectionScript reads manufacturer and model from WMI.
const InspectionScript = "Get-CimInstance Win32_ComputerSystem | Select-Object Manufacturer, Model | ConvertTo-Json -Compress"

var virtualKeywords = []string{
	"virtual", "vmware", "vbox", "hyperv", "xen", "kvm", "bochs", "qemu", "parallels", "virtual machine", "vm:",
}

// Classification is the tri-state outcome recorded per host. NotChecked means detection
// did not run at all.
type Classification int

const (
	NotChecked Classification = iota
	Physical
	Virtual
	Unknown
)

var classificationNames = []string{"NotChecked", "Physical", "Virtual", "Unknown"}

func (c Classification) String() string {
	if int(c) < len(classificationNames) {
		return classificationNames[c]
	}
	return fmt.Sprintf("Classification(%d)", int(c))
}

// ParseClassification is the inverse of String. Empty input is NotChecked.
func ParseClassification(s string) (Classification, error) {
	if s == "" {
		return NotChecked, nil
	}
	for i, name := range classificationNames {
		if strings.EqualFold(s, name) {
			return Classification(i), nil
		}
	}
	return NotChecked, fmt.Errorf("unknown classification %q", s)
}

func (c Classification) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Classification) UnmarshalText(b []byte) error {
	v, err := ParseClassification(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Result is what the inspection routine reported.
type Result struct {
	Manufacturer string
	Model        string
	IsVirtual    bool
}

// Classification maps the boolean verdict onto the tri-state.
func (r Result) Classification() Classification {
	if r.IsVirtual {
		return Virtual
	}
	return Physical
}

// IsVirtualSystem reports whether either field contains a virtualisation keyword.
func IsVirtualSystem(manufacturer, model string) bool {
	m := strings.ToLower(manufacturer)
	n := strings.ToLower(model)
	for _, kw := range virtualKeywords {
		if strings.Contains(m, kw) || strings.Contains(n, kw) {
			return true
		}
	}
	return false
}

// Runner executes one PowerShell script and returns trimmed stdout.
type Runner interface {
	RunPowerShell(ctx context.Context, script string) (string, error)
}

// RunnerFactory opens a short-lived Runner for one host.
type RunnerFactory func(address string, creds config.Credentials, timeout time.Duration) (Runner, error)

// Classifier runs the inspection routine over its own short-lived channel, separate from
// any pipeline session.
type Classifier struct {
	open RunnerFactory
}

// New returns a classifier that talks WinRM on port.
func New(port int) *Classifier {
	return &Classifier{open: func(address string, creds config.Credentials, timeout time.Duration) (Runner, error) {
		return remote.NewWinRMClient(address, port, creds, timeout)
	}}
}

// NewWithFactory is New with an injectable channel.
func NewWithFactory(open RunnerFactory) *Classifier {
	return &Classifier{open: open}
}

type computerSystem struct {
	Manufacturer string `json:"Manufacturer"`
	Model        string `json:"Model"`
}

// Classify inspects address. Failures are returned as faults errors, never panics.
func (c *Classifier) Classify(ctx context.Context, address string, creds config.Credentials, timeout time.Duration) (Result, error) {
	runner, err := c.open(address, creds, timeout)
	if err != nil {
		return Result{}, faults.New(faults.KindConnection, address, "classify", err)
	}
	if closer, ok := runner.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := runner.RunPowerShell(ctx, InspectionScript)
	if err != nil {
		return Result{}, faults.New(faults.KindRemoteExecution, address, "classify", err)
	}
	if output == "" {
		return Result{}, faults.Errorf(faults.KindRemoteExecution, address, "classify", "no data returned")
	}

	var cs computerSystem
	if err := json.Unmarshal([]byte(output), &cs); err != nil {
		var list []computerSystem
		if listErr := json.Unmarshal([]byte(output), &list); listErr != nil || len(list) == 0 {
			return Result{}, faults.Errorf(faults.KindRemoteExecution, address, "classify", "parse failed: %v, raw: %s", err, output)
		}
		cs = list[0]
	}

	return Result{
		Manufacturer: cs.Manufacturer,
		Model:        cs.Model,
		IsVirtual:    IsVirtualSystem(cs.Manufacturer, cs.Model),
	}, nil
}
