package browser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/ethereum-optimism/infra/op-pagetest/errs"
)

// capabilitiesDescriptor mirrors the JSON a driver prints for CapabilitiesArg.
// Pointers distinguish missing fields (defaults apply) from explicit values.
type capabilitiesDescriptor struct {
	Modules    []string `json:"modules"`
	Screenshot *string  `json:"screenshot"`
	Console    *bool    `json:"console"`
	Scripts    *bool    `json:"scripts"`
	Parallel   *bool    `json:"parallel"`
}

// Capabilities is the validated driver descriptor, before module resolution.
type Capabilities struct {
	Modules    []string
	Screenshot string
	Console    bool
	Scripts    bool
	Parallel   bool

	// Ignored lists the descriptor fields this runner does not know.
	Ignored []string
}

// ParseCapabilities validates the driver output against the descriptor
// schema. Unknown fields are ignored. Output that is not a JSON object yields
// BrowserProbeFailed; an object that violates the schema yields
// MissingOrInvalidBrowserCapabilities.
func ParseCapabilities(output []byte) (Capabilities, error) {
	trimmed := bytes.TrimSpace(output)
	if len(trimmed) == 0 {
		return Capabilities{}, errs.New(errs.BrowserProbeFailed, "driver printed no capabilities")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return Capabilities{}, errs.Wrap(errs.BrowserProbeFailed, err, "capabilities are not a JSON object")
	}
	var ignored []string
	for key := range raw {
		switch key {
		case "modules", "screenshot", "console", "scripts", "parallel":
		default:
			ignored = append(ignored, key)
		}
	}
	slices.Sort(ignored)

	var desc capabilitiesDescriptor
	if err := json.Unmarshal(trimmed, &desc); err != nil {
		return Capabilities{}, errs.Wrap(errs.MissingOrInvalidBrowserCapabilities, err, "invalid field type")
	}

	caps := Capabilities{
		Modules:  []string{},
		Parallel: true,
		Ignored:  ignored,
	}
	for _, name := range desc.Modules {
		if strings.TrimSpace(name) == "" {
			return Capabilities{}, errs.New(errs.MissingOrInvalidBrowserCapabilities, "empty module name")
		}
		caps.Modules = append(caps.Modules, name)
	}
	if desc.Screenshot != nil {
		ext := *desc.Screenshot
		if ext == "" {
			return Capabilities{}, errs.New(errs.MissingOrInvalidBrowserCapabilities, "screenshot extension must be null or non-empty")
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		caps.Screenshot = ext
	}
	if desc.Console != nil {
		caps.Console = *desc.Console
	}
	if desc.Scripts != nil {
		caps.Scripts = *desc.Scripts
	}
	if desc.Parallel != nil {
		caps.Parallel = *desc.Parallel
	}
	return caps, nil
}

func (c Capabilities) String() string {
	screenshot := "null"
	if c.Screenshot != "" {
		screenshot = c.Screenshot
	}
	return fmt.Sprintf("modules=%v screenshot=%s console=%t scripts=%t parallel=%t",
		c.Modules, screenshot, c.Console, c.Scripts, c.Parallel)
}
