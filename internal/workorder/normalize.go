package workorder

import "github.com/forgeharness/forge/internal/pathsafety"

// Normalize rewrites every path-bearing field of w into canonical form and
// deduplicates list fields, preserving first-occurrence order. It returns the
// first normalization error encountered, as pathsafety.Normalize reported it.
//
// Loading then re-emitting a work order through Normalize is idempotent:
// calling it twice produces byte-identical output (§8 round-trip property).
func (w WorkOrder) Normalize() (WorkOrder, error) {
	out := w

	norm := func(paths []string) ([]string, error) {
		result := make([]string, len(paths))
		for i, p := range paths {
			n, err := pathsafety.Normalize(p)
			if err != nil {
				return nil, err
			}
			result[i] = n
		}
		return Dedup(result), nil
	}

	var err error
	if out.AllowedFiles, err = norm(w.AllowedFiles); err != nil {
		return WorkOrder{}, err
	}
	if out.ContextFiles, err = norm(w.ContextFiles); err != nil {
		return WorkOrder{}, err
	}

	normConds := func(conds []Condition) ([]Condition, error) {
		result := make([]Condition, len(conds))
		for i, c := range conds {
			n, err := pathsafety.Normalize(c.Path)
			if err != nil {
				return nil, err
			}
			result[i] = Condition{Kind: c.Kind, Path: n}
		}
		return result, nil
	}
	if out.Preconditions, err = normConds(w.Preconditions); err != nil {
		return WorkOrder{}, err
	}
	if out.Postconditions, err = normConds(w.Postconditions); err != nil {
		return WorkOrder{}, err
	}

	return out, nil
}
