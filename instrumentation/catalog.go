package instrumentation

import "fmt"

// ProbeKind tags a probe with how the target fires it and how many arguments
// the marker carries.
type ProbeKind uint8

const (
	ProbeKindEnter ProbeKind = iota
	ProbeKindExit
	ProbeKindFailureExit
)

func (k ProbeKind) String() string {
	switch k {
	case ProbeKindEnter:
		return "enter"
	case ProbeKindExit:
		return "exit"
	case ProbeKindFailureExit:
		return "failure-exit"
	default:
		return fmt.Sprintf("ProbeKind(%d)", uint8(k))
	}
}

// Arity is the number of marker arguments the target must declare for a probe
// of this kind.
func (k ProbeKind) Arity() int {
	if k == ProbeKindEnter {
		return enterArity
	}
	return exitArity
}

func (k ProbeKind) valid() bool {
	return k <= ProbeKindFailureExit
}

type Direction uint8

const (
	DirectionEnter Direction = iota
	DirectionExit
)

const (
	// exprId, line, column, file pointer.
	enterArity = 4
	// exprId.
	exitArity = 1

	enterSuffix = "__in"
	exitSuffix  = "__out"
)

type ProbeDescriptor struct {
	Name string
	Kind ProbeKind
}

func (d ProbeDescriptor) Direction() Direction {
	if d.Kind == ProbeKindEnter {
		return DirectionEnter
	}
	return DirectionExit
}

func (d ProbeDescriptor) IsFailureVariant() bool {
	return d.Kind == ProbeKindFailureExit
}

func (d ProbeDescriptor) String() string {
	return fmt.Sprintf("%s (%v)", d.Name, d.Kind)
}

// Expression constructs instrumented on both entry and exit.
var constructNames = [...]string{
	"top_level",
	"attrs",
	"let",
	"list",
	"var",
	"select",
	"lambda",
	"with",
	"if",
	"assert",
	"op_update",
	"call",
	"has_attr",
	"concat_strings",
}

// Exit-only markers fired when evaluation leaves a construct through an
// alternative path.
var failureExitNames = [...]string{
	"call_throwned",
	"has_attr_failed",
	"op_update_empty1",
	"op_update_empty2",
	"select_short",
}

// ProbeCatalog returns every probe the tracer binds, enters first, then exits,
// then failure exits. The order is stable so attach cookies are deterministic
// across runs.
func ProbeCatalog() []ProbeDescriptor {
	catalog := make([]ProbeDescriptor, 0, 2*len(constructNames)+len(failureExitNames))
	for _, name := range constructNames {
		catalog = append(catalog, ProbeDescriptor{Name: name + enterSuffix, Kind: ProbeKindEnter})
	}
	for _, name := range constructNames {
		catalog = append(catalog, ProbeDescriptor{Name: name + exitSuffix, Kind: ProbeKindExit})
	}
	for _, name := range failureExitNames {
		catalog = append(catalog, ProbeDescriptor{Name: name + exitSuffix, Kind: ProbeKindFailureExit})
	}
	return catalog
}

var catalogByName = func() map[string]ProbeDescriptor {
	byName := make(map[string]ProbeDescriptor)
	for _, desc := range ProbeCatalog() {
		byName[desc.Name] = desc
	}
	return byName
}()

// LookupProbe finds a catalog entry by marker name. The decoder uses it to
// check records against the catalog; the kind never comes from parsing the
// name.
func LookupProbe(name string) (ProbeDescriptor, bool) {
	desc, ok := catalogByName[name]
	return desc, ok
}
