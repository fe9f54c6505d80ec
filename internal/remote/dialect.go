package remote

import (
	"fmt"
	"math"
	"path"
	"strings"
	"time"
)

// ExitTimedOut is returned by the remote wrapper when it had to kill the entry point.
const ExitTimedOut = 124

// PIDFile is written into the work directory by PowerShell.Exec and read back by Stop.
const PIDFile = "agent.pid"

// Dialect builds the remote commands a Session needs. Each Transport speaks exactly one.
type Dialect interface {
	// Probe is a trivial command proving the channel is authenticated and usable.
	Probe() string
	EnsureDir(dir string) string
	// WriteFile writes base64 data read from stdin to file, truncating unless appending.
	WriteFile(file string, appending bool) string
	// Missing prints every path in paths that does not exist, one per line.
	Missing(paths []string) string
	// Exec launches dir/entryPoint with argument and kills it after timeout, exiting ExitTimedOut.
	Exec(dir, entryPoint, argument string, timeout time.Duration) string
	// Stop force-terminates the instance of entryPoint launched from dir.
	Stop(dir, entryPoint string) string
	// ReadFile prints the file base64 encoded.
	ReadFile(file string) string
	// Remove deletes paths recursively; absent paths are not an error.
	Remove(paths []string) string
	Join(elem ...string) string
	Base(p string) string
}

// PowerShell is the dialect of WinRM targets.
type PowerShell struct{}

func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func (PowerShell) Probe() string { return "hostname" }

func (PowerShell) EnsureDir(dir string) string {
	return fmt.Sprintf("$ErrorActionPreference = 'Stop'\nNew-Item -ItemType Directory -Force -Path %s | Out-Null", psQuote(dir))
}

func (PowerShell) WriteFile(file string, appending bool) string {
	mode := "Create"
	if appending {
		mode = "Append"
	}
	return fmt.Sprintf(`$ErrorActionPreference = 'Stop'
$bytes = [Convert]::FromBase64String([Console]::In.ReadToEnd().Trim())
$fs = [IO.File]::Open(%s, [IO.FileMode]::%s)
try { $fs.Write($bytes, 0, $bytes.Length) } finally { $fs.Close() }`, psQuote(file), mode)
}

func (PowerShell) Missing(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&b, "if (-not (Test-Path -LiteralPath %s)) { %s }\n", psQuote(p), psQuote(p))
	}
	return b.String()
}

func (d PowerShell) Exec(dir, entryPoint, argument string, timeout time.Duration) string {
	args := ""
	if argument != "" {
		args = " -ArgumentList " + psQuote(argument)
	}
	return fmt.Sprintf(`$ErrorActionPreference = 'Stop'
$out = Join-Path %[1]s 'stdout.log'
$err = Join-Path %[1]s 'stderr.log'
$p = Start-Process -FilePath %[2]s%[3]s -WorkingDirectory %[1]s -NoNewWindow -PassThru -RedirectStandardOutput $out -RedirectStandardError $err
$null = $p.Handle
Set-Content -LiteralPath (Join-Path %[1]s %[6]s) -Value $p.Id
if (-not $p.WaitForExit(%[4]d)) {
  Stop-Process -Id $p.Id -Force -ErrorAction SilentlyContinue
  exit %[5]d
}
Get-Content -LiteralPath $out -ErrorAction SilentlyContinue
if ($p.ExitCode -ne 0) { Get-Content -LiteralPath $err -ErrorAction SilentlyContinue | Write-Error -ErrorAction Continue }
exit $p.ExitCode`, psQuote(dir), psQuote(d.Join(dir, entryPoint)), args, timeout.Milliseconds(), ExitTimedOut, psQuote(PIDFile))
}

// Stop kills only the process Exec recorded in dir, never other processes sharing its name.
func (d PowerShell) Stop(dir, entryPoint string) string {
	return fmt.Sprintf(`$pidFile = %s
if (Test-Path -LiteralPath $pidFile -PathType Leaf) {
  $id = [int](Get-Content -LiteralPath $pidFile -TotalCount 1)
  Stop-Process -Id $id -Force -ErrorAction SilentlyContinue
}`, psQuote(d.Join(dir, PIDFile)))
}

func (PowerShell) ReadFile(file string) string {
	return fmt.Sprintf(`if (-not (Test-Path -LiteralPath %[1]s -PathType Leaf)) { [Console]::Error.WriteLine('file not found: ' + %[1]s); exit 2 }
[Convert]::ToBase64String([IO.File]::ReadAllBytes(%[1]s))`, psQuote(file))
}

func (PowerShell) Remove(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&b, "Remove-Item -LiteralPath %s -Recurse -Force -ErrorAction SilentlyContinue\n", psQuote(p))
	}
	return b.String()
}

func (PowerShell) Join(elem ...string) string {
	parts := make([]string, 0, len(elem))
	for i, e := range elem {
		e = strings.ReplaceAll(e, "/", `\`)
		if i > 0 {
			e = strings.TrimLeft(e, `\`)
		}
		if i < len(elem)-1 {
			e = strings.TrimRight(e, `\`)
		}
		if e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, `\`)
}

func (PowerShell) Base(p string) string {
	p = strings.TrimRight(strings.ReplaceAll(p, "/", `\`), `\`)
	if i := strings.LastIndexByte(p, '\\'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// POSIX is the dialect of SSH targets.
type POSIX struct{}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (POSIX) Probe() string { return "hostname" }

func (POSIX) EnsureDir(dir string) string {
	return "mkdir -p -- " + shQuote(dir)
}

func (POSIX) WriteFile(file string, appending bool) string {
	redirect := ">"
	if appending {
		redirect = ">>"
	}
	return fmt.Sprintf("base64 -d %s %s", redirect, shQuote(file))
}

func (POSIX) Missing(paths []string) string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = shQuote(p)
	}
	return fmt.Sprintf(`for f in %s; do [ -e "$f" ] || echo "$f"; done`, strings.Join(quoted, " "))
}

func (d POSIX) Exec(dir, entryPoint, argument string, timeout time.Duration) string {
	// timeout(1) treats 0s as no limit.
	secs := int(math.Ceil(timeout.Seconds()))
	if secs < 1 {
		secs = 1
	}
	cmd := fmt.Sprintf("cd %s && chmod +x %s 2>/dev/null; timeout -k 5 %ds %s",
		shQuote(dir), shQuote(entryPoint), secs, shQuote(d.Join(dir, entryPoint)))
	if argument != "" {
		cmd += " " + shQuote(argument)
	}
	return cmd
}

func (d POSIX) Stop(dir, entryPoint string) string {
	return fmt.Sprintf("pkill -KILL -f %s || true", shQuote(d.Join(dir, entryPoint)))
}

func (POSIX) ReadFile(file string) string {
	return fmt.Sprintf(`[ -f %[1]s ] || { echo "file not found: "%[1]s >&2; exit 2; }; base64 < %[1]s`, shQuote(file))
}

func (POSIX) Remove(paths []string) string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = shQuote(p)
	}
	return "rm -rf -- " + strings.Join(quoted, " ")
}

func (POSIX) Join(elem ...string) string { return path.Join(elem...) }

func (POSIX) Base(p string) string { return path.Base(p) }
