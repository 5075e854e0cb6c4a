// Package bundle loads declarations, rules, triggers and seed facts from
// a directory of CUE files.
//
// A bundle is the CUE files directly in one directory. They share one
// package clause or have none. The top-level fields are:
//
//	declarations: likes: {args: {person: "string", topic: "symbol"}}
//	rules: interested: "interested(P, T) :- likes(P, T)."
//	triggers: go_fan: {
//		condition: "interested(P, /go)"
//		action: invoke: {name: "log", args: {message: "new go fan"}}
//	}
//	facts: [{predicate: "likes", args: ["alice", "/go"]}]
//
// Loading only builds ir values. Applying them is left to the runtime,
// which creates or updates each entry by name.
package bundle

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/parser"
	"cuelang.org/go/cue/token"

	"github.com/roach88/reckon/internal/ir"
)

// Source marks rules and facts that came from a bundle.
const Source = "bundle"

// LoadMode controls how errors are handled during loading.
type LoadMode int

const (
	// FailFast stops on the first error.
	FailFast LoadMode = iota
	// CollectAll reports every broken entry.
	CollectAll
)

// Error codes.
const (
	ErrCodeGeneric     = "E001"
	ErrCodeScanError   = "E002"
	ErrCodeNoFiles     = "E003"
	ErrCodeLoadFailed  = "E004"
	ErrCodeNotFound    = "E005"
	ErrCodeBuildFailed = "E006"

	ErrCodeDeclaration = "E101"
	ErrCodeRule        = "E110"
	ErrCodeTrigger     = "E120"
	ErrCodeAction      = "E121"
	ErrCodeSchedule    = "E122"
	ErrCodeFact        = "E130"
)

// Bundle is the content of one bundle directory, each kind sorted by name.
type Bundle struct {
	Dir          string
	Files        int
	Declarations []ir.FactDeclaration
	Rules        []ir.Rule
	Triggers     []ir.Trigger
	Facts        []ir.Fact
}

// Empty reports whether the bundle defines nothing.
func (b *Bundle) Empty() bool {
	return len(b.Declarations) == 0 && len(b.Rules) == 0 && len(b.Triggers) == 0 && len(b.Facts) == 0
}

// LoadError is a loading failure with its CUE position when known.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Load reads the bundle in dir. In FailFast mode it returns at the first
// error; in CollectAll mode every broken entry is reported and the rest
// are still returned.
func Load(dir string, mode LoadMode) (*Bundle, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: "bundle directory not found: " + dir}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("accessing bundle directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: "not a directory: " + dir}}
	}

	files, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("scanning directory: %v", err)}}
	}
	if len(files) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: "no CUE files found in " + dir}}
	}

	pkg, err := packageName(dir, files)
	if err != nil {
		return nil, []error{err}
	}
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir, Package: pkg})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	if inst := instances[0]; inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}
	value := cuecontext.New().BuildInstance(instances[0])
	if err := value.Err(); err != nil {
		return nil, []error{toLoadError(formatCUEError(err), ErrCodeBuildFailed)}
	}

	b := &Bundle{Dir: dir, Files: len(files)}
	errs := b.extract(value, mode)
	return b, errs
}

// LoadSource builds a bundle from CUE source text. It is used for inline
// bundles in scenarios and tests.
func LoadSource(filename, src string, mode LoadMode) (*Bundle, []error) {
	value := cuecontext.New().CompileString(src, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, []error{toLoadError(formatCUEError(err), ErrCodeBuildFailed)}
	}
	b := &Bundle{Files: 1}
	return b, b.extract(value, mode)
}

func (b *Bundle) extract(value cue.Value, mode LoadMode) []error {
	var errs []error
	fail := func(err error, code string) bool {
		errs = append(errs, toLoadError(err, code))
		return mode == FailFast
	}

	decls := map[string]ir.FactDeclaration{}
	stop := eachField(value, "declarations", func(v cue.Value) bool {
		d, err := CompileDeclaration(v)
		if err != nil {
			return fail(err, ErrCodeDeclaration)
		}
		decls[d.Name] = d
		b.Declarations = append(b.Declarations, d)
		return false
	}, fail)
	if stop {
		return errs
	}

	stop = eachField(value, "rules", func(v cue.Value) bool {
		r, err := CompileRule(v)
		if err != nil {
			return fail(err, ErrCodeRule)
		}
		b.Rules = append(b.Rules, r)
		return false
	}, fail)
	if stop {
		return errs
	}

	stop = eachField(value, "triggers", func(v cue.Value) bool {
		t, err := CompileTrigger(v, decls)
		if err != nil {
			return fail(err, triggerCode(err))
		}
		b.Triggers = append(b.Triggers, t)
		return false
	}, fail)
	if stop {
		return errs
	}

	if facts := value.LookupPath(cue.ParsePath("facts")); facts.Exists() {
		iter, err := facts.List()
		if err != nil {
			if fail(formatCUEError(err), ErrCodeFact) {
				return errs
			}
		} else {
			for iter.Next() {
				f, err := CompileFact(iter.Value(), decls)
				if err != nil {
					if fail(err, ErrCodeFact) {
						return errs
					}
					continue
				}
				b.Facts = append(b.Facts, f)
			}
		}
	}

	sortedNames(b.Declarations, func(d ir.FactDeclaration) string { return d.Name })
	sortedNames(b.Rules, func(r ir.Rule) string { return r.Name })
	sortedNames(b.Triggers, func(t ir.Trigger) string { return t.Name })
	if b.Empty() && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: "bundle defines no declarations, rules, triggers or facts"})
	}
	return errs
}

// eachField calls fn for each field of the struct at path. It reports
// whether loading should stop.
func eachField(value cue.Value, path string, fn func(cue.Value) bool, fail func(error, string) bool) bool {
	v := value.LookupPath(cue.ParsePath(path))
	if !v.Exists() {
		return false
	}
	iter, err := v.Fields()
	if err != nil {
		return fail(formatCUEError(err), ErrCodeGeneric)
	}
	for iter.Next() {
		if fn(iter.Value()) {
			return true
		}
	}
	return false
}

func triggerCode(err error) string {
	var ce *CompileError
	if errors.As(err, &ce) {
		switch {
		case strings.HasPrefix(ce.Field, "schedule_job"):
			return ErrCodeSchedule
		case strings.HasPrefix(ce.Field, "action"):
			return ErrCodeAction
		}
	}
	return ErrCodeTrigger
}

func toLoadError(err error, code string) *LoadError {
	var ce *CompileError
	if errors.As(err, &ce) {
		return &LoadError{Code: code, Message: ce.Field + ": " + ce.Message, Pos: ce.Pos}
	}
	return &LoadError{Code: code, Message: err.Error()}
}

// packageName returns the package shared by the top-level files of dir,
// or "_" when none of them has a package clause.
func packageName(dir string, files []string) (string, error) {
	names := map[string]bool{}
	for _, f := range files {
		if filepath.Dir(f) != filepath.Clean(dir) {
			continue
		}
		file, err := parser.ParseFile(f, nil, parser.PackageClauseOnly)
		if err != nil {
			return "", toLoadError(formatCUEError(err), ErrCodeBuildFailed)
		}
		names[file.PackageName()] = true
	}
	delete(names, "")
	switch len(names) {
	case 0:
		return "_", nil
	case 1:
		for name := range names {
			return name, nil
		}
	}
	pkgs := make([]string, 0, len(names))
	for name := range names {
		pkgs = append(pkgs, name)
	}
	slices.Sort(pkgs)
	return "", &LoadError{Code: ErrCodeLoadFailed, Message: "bundle mixes packages " + strings.Join(pkgs, ", ")}
}

// FindCUEFiles returns every .cue file under dir.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
