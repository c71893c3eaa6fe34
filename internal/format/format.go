// Package format turns script results and raised errors into text that is
// safe to hand back to the host.
//
// Errors lose every stack frame at and below the first frame that belongs to
// the worker's own machinery, and filesystem prefixes are replaced by the
// identifiers registered with RegisterPathRule, so no internal path or
// transport frame reaches a chat user.
package format

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/AgentOS/evalworker/internal/inspect"
)

// InternalFilePrefix marks sources compiled by the worker itself. Frames in
// such files count as machinery.
const InternalFilePrefix = "internal:"

var internalFrame = regexp.MustCompile(frameMarker + regexp.QuoteMeta(InternalFilePrefix))

// goNativeFrame matches frames of Go functions exposed to scripts, which
// goja names after their import path, e.g.
// "at example.com/pkg.Func.func1 (native)".
var goNativeFrame = regexp.MustCompile(`^\s*at \S+/\S+ \(native\)$`)

// Kinded errors report the label FormatError prints in front of them.
type Kinded interface {
	ErrorKind() string
}

// Formatter renders values and errors with a fixed inspection configuration.
type Formatter struct {
	opts      inspect.Options
	paths     *PathMapper
	machinery []*regexp.Regexp
}

// New creates a formatter. Extra machinery patterns mark additional frames
// (for example host transport frames) that must be cut from traces.
func New(opts inspect.Options, machinery ...*regexp.Regexp) *Formatter {
	return &Formatter{
		opts:      opts,
		paths:     NewPathMapper(),
		machinery: append([]*regexp.Regexp{internalFrame}, machinery...),
	}
}

// Options returns the inspection options.
func (f *Formatter) Options() inspect.Options {
	return f.opts
}

// Paths exposes the rule table.
func (f *Formatter) Paths() *PathMapper {
	return f.paths
}

// RegisterPathRule rewrites frames under path to start with identifier.
func (f *Formatter) RegisterPathRule(identifier, path string) {
	f.paths.Register(identifier, path)
}

// FormatResult renders values for the host.
func (f *Formatter) FormatResult(values ...any) string {
	return f.opts.Format(values...)
}

// FormatError renders a raised error as sanitized text.
func (f *Formatter) FormatError(err error) string {
	if err == nil {
		return ""
	}

	var syntaxErr *goja.CompilerSyntaxError
	if errors.As(err, &syntaxErr) {
		return f.sanitize(syntaxErr.Error())
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Sprintf("Error: execution interrupted: %v", interrupted.Value())
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		return f.formatException(exception)
	}

	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		parts := make([]string, 0, len(joined.Unwrap()))
		for _, e := range joined.Unwrap() {
			parts = append(parts, f.FormatError(e))
		}
		return strings.Join(parts, "\n")
	}

	// A kinded error prints its own message. Wrapping context added on the
	// way up is worker plumbing, not something the user did.
	var kinded Kinded
	if errors.As(err, &kinded) {
		if e, ok := kinded.(error); ok {
			return f.sanitize(kinded.ErrorKind() + ": " + e.Error())
		}
		return f.sanitize(kinded.ErrorKind() + ": " + err.Error())
	}
	return f.sanitize("Error: " + err.Error())
}

func (f *Formatter) formatException(ex *goja.Exception) string {
	val := ex.Value()
	obj, ok := val.(*goja.Object)
	if !ok || obj.ClassName() != "Error" {
		return "Uncaught: " + f.opts.Inspect(val)
	}
	return f.sanitize(ex.String())
}

// sanitize cuts machinery frames and rewrites paths line by line.
func (f *Formatter) sanitize(trace string) string {
	lines := strings.Split(trace, "\n")
	for i := 1; i < len(lines); i++ {
		if f.isMachinery(lines[i]) {
			lines = lines[:i]
			break
		}
	}
	out := lines[:0]
	for i, line := range lines {
		if i > 0 && goNativeFrame.MatchString(line) {
			continue
		}
		out = append(out, f.paths.Rewrite(line))
	}
	return strings.TrimRight(strings.Join(out, "\n"), " \t\n")
}

func (f *Formatter) isMachinery(line string) bool {
	if !strings.HasPrefix(strings.TrimSpace(line), "at ") {
		return false
	}
	for _, re := range f.machinery {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

