package datalog

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/reckon/internal/ir"
)

// depEdge points from a rule head to a predicate its body reads.
type depEdge struct {
	to      string
	negated bool
}

// depGraph maps head predicate to the predicates it depends on.
type depGraph map[string][]depEdge

func buildDepGraph(rules []ir.Rule) depGraph {
	g := make(depGraph)
	for _, r := range rules {
		head := r.Head.Predicate
		if _, ok := g[head]; !ok {
			g[head] = nil
		}
		for _, a := range r.Body {
			g[head] = append(g[head], depEdge{to: a.Predicate, negated: a.Negated})
			if _, ok := g[a.Predicate]; !ok {
				g[a.Predicate] = nil
			}
		}
	}
	for k := range g {
		slices.SortFunc(g[k], func(a, b depEdge) int { return strings.Compare(a.to, b.to) })
	}
	return g
}

// stratify assigns each predicate a stratum. A predicate sits strictly
// above everything it reads through negation and at least as high as
// everything it reads positively. Negation inside a recursive component
// cannot be stratified and is reported as a CompilationError.
func stratify(rules []ir.Rule) (map[string]int, error) {
	g := buildDepGraph(rules)
	sccs := tarjanSCC(g)

	component := make(map[string]int, len(g))
	for i, scc := range sccs {
		for _, p := range scc {
			component[p] = i
		}
	}

	strata := make(map[string]int, len(g))
	// Tarjan emits a component only after every component it reaches, so
	// dependencies are always assigned before their dependents.
	for i, scc := range sccs {
		level := 0
		for _, p := range scc {
			for _, e := range g[p] {
				if component[e.to] == i {
					if e.negated {
						return nil, &ir.CompilationError{
							Code:      ir.ErrCodeUnstratifiable,
							Subject:   ruleFor(rules, p, e.to),
							Predicate: p,
							Message:   fmt.Sprintf("negation of %s through recursion (%s)", e.to, strings.Join(sortedCopy(scc), ", ")),
						}
					}
					continue
				}
				next := strata[e.to]
				if e.negated {
					next++
				}
				level = max(level, next)
			}
		}
		for _, p := range scc {
			strata[p] = level
		}
	}
	return strata, nil
}

func ruleFor(rules []ir.Rule, head, dep string) string {
	for _, r := range rules {
		if r.Head.Predicate != head {
			continue
		}
		for _, a := range r.Body {
			if a.Predicate == dep && a.Negated {
				return r.Name
			}
		}
	}
	return ""
}

// tarjanSCC finds strongly connected components. Nodes and edges are
// visited in sorted order so the result is deterministic.
func tarjanSCC(g depGraph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, e := range g[v] {
			w := e.to
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	nodes := make([]string, 0, len(g))
	for n := range g {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)
	for _, n := range nodes {
		if _, visited := indices[n]; !visited {
			strongConnect(n)
		}
	}
	return sccs
}

func sortedCopy(s []string) []string {
	out := slices.Clone(s)
	slices.Sort(out)
	return out
}
