package cache

import (
	"fmt"
	"sort"
	"strings"
)

// Key identifies one upstream query page.
type Key struct {
	// Subgraph is the deployment id the query ran against.
	Subgraph string

	// Dataset names the query (e.g. "swaps", "token-days").
	Dataset string

	// Variables are the GraphQL variables rendered as strings.
	Variables map[string]string
}

// String generates a deterministic key.
// Format: subgraph:<subgraph>:<dataset>:var1=val1:var2=val2
//
// Example:
//
//	subgraph:5zvR82...:swaps:end=1700021600:first=1000:start=1700000000
func (k Key) String() string {
	parts := []string{"subgraph"}

	if k.Subgraph != "" {
		parts = append(parts, k.Subgraph)
	}
	if k.Dataset != "" {
		parts = append(parts, k.Dataset)
	}

	names := make([]string, 0, len(k.Variables))
	for name := range k.Variables {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%s", name, k.Variables[name]))
	}

	return strings.Join(parts, ":")
}
