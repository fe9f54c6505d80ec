package payload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nmslite/fleetinv/internal/faults"
	"github.com/nmslite/fleetinv/internal/logging"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "invagent.exe"), "binary")
	writeFile(t, filepath.Join(dir, "lib", "helper.dll"), "lib")
	writeFile(t, filepath.Join(dir, ManifestFile), `{"name":"invagent","version":"1.2.0","entry_point":"invagent.exe"}`)

	p, err := Inspect(dir, "invagent.exe", logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if p.Files != 3 || !p.HasEntry {
		t.Errorf("payload = %+v", p)
	}
	if p.Bytes != int64(len("binary")+len("lib")+len(`{"name":"invagent","version":"1.2.0","entry_point":"invagent.exe"}`)) {
		t.Errorf("bytes = %d", p.Bytes)
	}
	if p.Manifest == nil || p.Manifest.Version != "1.2.0" {
		t.Errorf("manifest = %+v", p.Manifest)
	}
}

func TestInspect_Degraded(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ManifestFile), "not json")

	p, err := Inspect(dir, "invagent.exe", logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if p.HasEntry || p.Manifest != nil {
		t.Errorf("payload = %+v", p)
	}
}

func TestInspect_ConfigErrors(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	writeFile(t, file, "x")

	for name, dir := range map[string]string{
		"missing":       filepath.Join(t.TempDir(), "nope"),
		"not directory": file,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Inspect(dir, "invagent.exe", logging.Discard())
			if faults.KindOf(err) != faults.KindConfig {
				t.Errorf("err = %v, want config error", err)
			}
		})
	}
}
