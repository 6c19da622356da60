package plugin

import (
	"context"
	"fmt"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"atlas/internal/logging"
)

// =============================================================================
// YAEGI PLUGIN EXECUTOR
// =============================================================================
// Plugins are Go source files interpreted at runtime with Yaegi instead of
// being compiled and dlopen'd. Interpretation avoids toolchain availability,
// version-mismatch crashes, and binary trust problems, and lets the sandbox
// whitelist exactly which stdlib packages a plugin may touch.
//
// A plugin's entry file must define:
//
//	func Handle(action string, payload map[string]any) (map[string]any, error)

// Packages a manifest can never be granted, no matter what it requests.
var blockedPackages = map[string]bool{
	"os":            true,
	"os/exec":       true,
	"os/signal":     true,
	"net":           true,
	"net/http":      true,
	"syscall":       true,
	"unsafe":        true,
	"plugin":        true,
	"runtime/debug": true,
}

// defaultAllowedPackages is the baseline whitelist every plugin gets.
var defaultAllowedPackages = []string{
	"strings",
	"strconv",
	"fmt",
	"errors",
	"math",
	"math/rand",
	"regexp",
	"encoding/json",
	"encoding/base64",
	"time",
	"sort",
	"bytes",
	"unicode",
	"unicode/utf8",
	"path",
}

// HandleFunc is the signature every plugin entry point must satisfy.
type HandleFunc = func(action string, payload map[string]any) (map[string]any, error)

// Executor interprets plugin Go source in a sandboxed Yaegi interpreter.
type Executor struct {
	allowed map[string]bool // baseline + config-granted packages
}

// NewExecutor creates an executor. extraImports widens the grantable set for
// all plugins (from config); blocked packages are stripped regardless.
func NewExecutor(extraImports []string) *Executor {
	allowed := make(map[string]bool, len(defaultAllowedPackages)+len(extraImports))
	for _, pkg := range defaultAllowedPackages {
		allowed[pkg] = true
	}
	for _, pkg := range extraImports {
		if !blockedPackages[pkg] {
			allowed[pkg] = true
		}
	}
	return &Executor{allowed: allowed}
}

// Compile validates and evaluates plugin source, returning its Handle
// function. Each Compile builds a fresh interpreter so plugins cannot see
// each other's globals.
func (e *Executor) Compile(source string, manifest *Manifest) (HandleFunc, error) {
	if err := e.validateImports(source, manifest); err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib symbols: %w", err)
	}

	if _, err := i.Eval(wrapSource(source)); err != nil {
		return nil, fmt.Errorf("plugin evaluation failed: %w", err)
	}

	v, err := i.Eval("main.Handle")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoHandle, err)
	}

	handle, ok := v.Interface().(HandleFunc)
	if !ok {
		return nil, ErrNoHandle
	}
	return handle, nil
}

// Invoke calls a compiled Handle in a goroutine raced against ctx. A plugin
// that ignores its deadline leaks the goroutine; the caller is unblocked
// either way.
func (e *Executor) Invoke(ctx context.Context, name string, handle HandleFunc, action string, payload map[string]any) (map[string]any, error) {
	type outcome struct {
		result map[string]any
		err    error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.PluginsError("plugin %s panicked handling %s: %v", name, action, r)
				ch <- outcome{err: fmt.Errorf("plugin %s panicked: %v", name, r)}
			}
		}()
		result, err := handle(action, payload)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		return nil, fmt.Errorf("plugin %s timed out handling %s: %w", name, action, ctx.Err())
	}
}

// validateImports checks that the source only imports packages from the
// baseline whitelist plus the manifest's granted extras.
func (e *Executor) validateImports(source string, manifest *Manifest) error {
	granted := make(map[string]bool, len(e.allowed))
	for pkg := range e.allowed {
		granted[pkg] = true
	}
	if manifest != nil {
		for _, pkg := range manifest.Imports {
			if blockedPackages[pkg] {
				return fmt.Errorf("%w: manifest requests blocked package %q", ErrForbiddenImport, pkg)
			}
			granted[pkg] = true
		}
	}

	var forbidden []string
	for _, pkg := range extractImports(source) {
		if !granted[pkg] {
			forbidden = append(forbidden, pkg)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("%w: %v", ErrForbiddenImport, forbidden)
	}
	return nil
}

// extractImports scans source text for import declarations.
func extractImports(source string) []string {
	var imports []string
	inBlock := false
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "import (") {
			inBlock = true
			continue
		}
		if inBlock {
			if strings.HasPrefix(trimmed, ")") {
				inBlock = false
				continue
			}
			if pkg := parseImportLine(trimmed); pkg != "" {
				imports = append(imports, pkg)
			}
			continue
		}
		if strings.HasPrefix(trimmed, "import ") {
			if pkg := parseImportLine(strings.TrimPrefix(trimmed, "import ")); pkg != "" {
				imports = append(imports, pkg)
			}
		}
	}
	return imports
}

// parseImportLine extracts the quoted path from an import line, handling
// aliased imports like `js "encoding/json"`.
func parseImportLine(line string) string {
	start := strings.Index(line, `"`)
	if start < 0 {
		return ""
	}
	end := strings.Index(line[start+1:], `"`)
	if end < 0 {
		return ""
	}
	return line[start+1 : start+1+end]
}

// wrapSource ensures the plugin source is a main package.
func wrapSource(source string) string {
	if strings.Contains(source, "package main") {
		return source
	}
	return "package main\n\n" + source
}
