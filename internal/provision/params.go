package provision

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// SecretSource resolves secret:// parameter references. The Secrets Manager
// client satisfies it; tests use a map-backed fake.
type SecretSource interface {
	Get(ctx context.Context, name, key string) (string, error)
}

const secretScheme = "secret://"

// ResolveParameters expands parameter references into concrete values.
// Three forms are supported:
//
//	literal             used as-is
//	import(Name)        looked up in the run's export context
//	secret://name#key   fetched from the secret source
//
// A reference that cannot be satisfied is a ResolutionError.
func ResolveParameters(ctx context.Context, stack string, raw map[string]string, exports *Exports, secrets SecretSource) (map[string]string, error) {
	resolved := make(map[string]string, len(raw))

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := raw[name]
		switch {
		case strings.HasPrefix(value, "import(") && strings.HasSuffix(value, ")"):
			exportName := value[len("import(") : len(value)-1]
			if exportName == "" {
				return nil, &ResolutionError{Stack: stack, Parameter: name, Reference: value, Err: fmt.Errorf("empty import name")}
			}
			if exports == nil {
				return nil, &ResolutionError{Stack: stack, Parameter: name, Reference: value, Err: fmt.Errorf("no export context for this run")}
			}
			v, ok := exports.Get(exportName)
			if !ok {
				return nil, &ResolutionError{Stack: stack, Parameter: name, Reference: value, Err: fmt.Errorf("export %q not published by any upstream stack", exportName)}
			}
			resolved[name] = v

		case strings.HasPrefix(value, secretScheme):
			ref := strings.TrimPrefix(value, secretScheme)
			secretName, key, found := strings.Cut(ref, "#")
			if !found || secretName == "" || key == "" {
				return nil, &ResolutionError{Stack: stack, Parameter: name, Reference: value, Err: fmt.Errorf("want secret://name#key")}
			}
			if secrets == nil {
				return nil, &ResolutionError{Stack: stack, Parameter: name, Reference: value, Err: fmt.Errorf("no secret source configured")}
			}
			v, err := secrets.Get(ctx, secretName, key)
			if err != nil {
				return nil, &ResolutionError{Stack: stack, Parameter: name, Reference: value, Err: err}
			}
			resolved[name] = v

		default:
			resolved[name] = value
		}
	}
	return resolved, nil
}
