// Package mapper defines the pluggable query-routing interface: classify a
// query as routable to one arbitrary backend or to all of them, optionally
// rewriting it first.
package mapper

import "strings"

// Decision is the routing classification returned by a Mapper.
type Decision int

const (
	// Any routes the query to a single, arbitrarily chosen backend.
	Any Decision = iota
	// All fans the query out to every backend in the registry.
	All
)

func (d Decision) String() string {
	switch d {
	case Any:
		return "any"
	case All:
		return "all"
	default:
		return "unknown"
	}
}

// Mapper classifies a query and may rewrite it. A nil rewritten slice means
// the original query is used unchanged.
type Mapper interface {
	Map(query []byte) (Decision, []byte, error)
}

// Registry of mappers selectable by name from configuration.
var registry = map[string]Mapper{
	"read-one-write-all": ReadOneWriteAll{},
}

// Register adds or replaces a named mapper, used by alternate
// implementations (e.g. the sqlparser-backed one) to register themselves.
func Register(name string, m Mapper) {
	registry[name] = m
}

// Lookup returns the mapper registered under name. Absence of a configured
// name (empty string) is equivalent to Any for all queries, matching
// spec.md's "absence of a mapper" rule.
func Lookup(name string) Mapper {
	if name == "" {
		return nil
	}
	return registry[name]
}

// ReadOneWriteAll is the reference mapper: SELECT/SHOW/DESCRIBE/EXPLAIN
// queries go to one backend; everything else fans out to all of them.
type ReadOneWriteAll struct{}

var readKeywords = []string{"SELECT", "SHOW", "DESCRIBE", "EXPLAIN"}

// Map implements Mapper.
func (ReadOneWriteAll) Map(query []byte) (Decision, []byte, error) {
	leading := leadingKeyword(query)
	for _, kw := range readKeywords {
		if leading == kw {
			return Any, nil, nil
		}
	}
	return All, nil, nil
}

func leadingKeyword(query []byte) string {
	trimmed := strings.TrimLeft(string(query), " \t\r\n")
	end := strings.IndexAny(trimmed, " \t\r\n(")
	if end < 0 {
		end = len(trimmed)
	}
	return strings.ToUpper(trimmed[:end])
}
