package inventory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/nmslite/fleetinv/internal/faults"
)

// RequiredSections are the top-level objects every artifact must carry.
var RequiredSections = []string{"system", "metadata"}

// ValidateArtifact checks that path holds a JSON object with every required section.
// UTF-8 with or without BOM and BOM-prefixed UTF-16 are accepted, matching what
// PowerShell's Out-File produces. Failures are faults.KindValidation errors.
func ValidateArtifact(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return faults.New(faults.KindValidation, "", "validate", err)
	}
	if len(raw) == 0 {
		return faults.Errorf(faults.KindValidation, "", "validate", "file %s is empty", path)
	}

	data, err := DecodeText(raw)
	if err != nil {
		return faults.Errorf(faults.KindValidation, "", "validate", "decode %s: %v", path, err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return faults.Errorf(faults.KindValidation, "", "validate",
				"invalid JSON at offset %d near %q: %v", syntaxErr.Offset, near(data, int(syntaxErr.Offset)), err)
		}
		return faults.Errorf(faults.KindValidation, "", "validate", "invalid JSON: %v", err)
	}

	for _, key := range RequiredSections {
		section, ok := doc[key]
		if !ok {
			return faults.Errorf(faults.KindValidation, "", "validate", "missing required field %q", key)
		}
		if t := bytes.TrimSpace(section); len(t) == 0 || t[0] != '{' {
			return faults.Errorf(faults.KindValidation, "", "validate", "field %q is not an object", key)
		}
	}
	return nil
}

// DecodeText converts raw artifact bytes to UTF-8, honouring a UTF-8 or UTF-16 byte order mark.
func DecodeText(raw []byte) ([]byte, error) {
	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	out, _, err := transform.Bytes(decoder, raw)
	return out, err
}

func near(data []byte, pos int) string {
	start := max(0, pos-20)
	end := min(len(data), pos+20)
	return string(data[start:end])
}

func validationMessage(err error) string {
	return fmt.Sprintf("Result file failed validation: %s", faults.Message(err))
}
