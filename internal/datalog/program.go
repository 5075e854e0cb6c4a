// Package datalog compiles reckon knowledge into Mangle programs and
// evaluates them.
//
// Compile is pure: identical inputs produce byte-identical program text.
// Execution runs through a Pipeline that owns a single evaluator slot.
package datalog

import (
	"cmp"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"github.com/roach88/reckon/internal/ir"
)

// QueryPrefix names synthesized query relations.
const QueryPrefix = "reckon_query_"

var (
	predicatePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	variablePattern  = regexp.MustCompile(`^([A-Z][A-Za-z0-9_]*|_)$`)
	nonIdent         = regexp.MustCompile(`[^a-z0-9_]+`)
)

// Query is a named condition compiled into its own relation.
type Query struct {
	Name      string
	Condition ir.Condition
}

// Input is everything a program is compiled from.
type Input struct {
	Declarations []ir.FactDeclaration
	Facts        []ir.Fact
	Rules        []ir.Rule
	Queries      []Query

	// MinConfidence excludes facts below the threshold.
	MinConfidence float64
}

// QueryRelation describes the relation synthesized for one query.
type QueryRelation struct {
	Relation string
	Vars     []string
}

// Program is compiled Mangle source plus the query relation index.
type Program struct {
	Text    string
	Queries map[string]QueryRelation
	Hash    string
}

// Result maps relation names to derived tuples.
type Result map[string][]ir.Tuple

// Tuples returns the tuples of a relation, or nil.
func (r Result) Tuples(relation string) []ir.Tuple { return r[relation] }

// NonEmpty reports whether relation derived at least one tuple.
func (r Result) NonEmpty(relation string) bool { return len(r[relation]) > 0 }

// Sort orders every relation's tuples canonically and drops duplicates.
func (r Result) Sort() {
	for k, tuples := range r {
		slices.SortFunc(tuples, ir.CompareTuples)
		r[k] = slices.CompactFunc(tuples, func(a, b ir.Tuple) bool { return ir.CompareTuples(a, b) == 0 })
	}
}

// QueryRelationName returns the relation used for a query name. Names
// are lower-cased and non identifier runs collapse to an underscore.
func QueryRelationName(name string) string {
	s := nonIdent.ReplaceAllString(strings.ToLower(name), "_")
	return QueryPrefix + strings.Trim(s, "_")
}

type compiler struct {
	in       Input
	decls    map[string]ir.FactDeclaration
	arity    map[string]int
	rules    []ir.Rule
	queries  []Query
	relNames map[string]QueryRelation
}

// Compile turns in into program text. It fails with a CompilationError
// when a predicate is unresolved, an arity does not match, a variable is
// unsafe, or negation runs through recursion.
func Compile(in Input) (Program, error) {
	c := &compiler{
		in:       in,
		decls:    make(map[string]ir.FactDeclaration, len(in.Declarations)),
		arity:    make(map[string]int),
		relNames: make(map[string]QueryRelation, len(in.Queries)),
	}
	for _, d := range in.Declarations {
		c.decls[d.Name] = d
		c.arity[d.Name] = d.Arity()
	}
	for _, r := range in.Rules {
		if r.Enabled {
			c.rules = append(c.rules, r)
		}
	}
	slices.SortFunc(c.rules, func(a, b ir.Rule) int { return strings.Compare(a.Name, b.Name) })
	c.queries = slices.Clone(in.Queries)
	slices.SortFunc(c.queries, func(a, b Query) int { return strings.Compare(a.Name, b.Name) })

	if err := c.resolveHeads(); err != nil {
		return Program{}, err
	}
	for _, r := range c.rules {
		if err := c.checkRule(r); err != nil {
			return Program{}, err
		}
	}
	if err := c.assignQueryRelations(); err != nil {
		return Program{}, err
	}
	for _, q := range c.queries {
		if err := c.checkBody(q.Name, q.Condition.Atoms); err != nil {
			return Program{}, err
		}
		if !slices.ContainsFunc(q.Condition.Atoms, func(a ir.Atom) bool { return !a.Negated }) {
			return Program{}, &ir.CompilationError{Code: ir.ErrCodeUnsafeVariable, Subject: q.Name,
				Message: "condition needs at least one positive atom"}
		}
	}

	all := slices.Clone(c.rules)
	for _, q := range c.queries {
		all = append(all, c.queryRule(q))
	}
	strata, err := stratify(all)
	if err != nil {
		return Program{}, err
	}

	facts, err := c.facts()
	if err != nil {
		return Program{}, err
	}
	text := c.render(facts, strata)
	return Program{Text: text, Queries: c.relNames, Hash: ir.ProgramHash(text)}, nil
}

// resolveHeads records arities of derived predicates and rejects heads
// that disagree with a declaration or with each other.
func (c *compiler) resolveHeads() error {
	for _, r := range c.rules {
		h := r.Head
		if h.Negated {
			return &ir.CompilationError{Code: ir.ErrCodeSyntax, Subject: r.Name, Predicate: h.Predicate,
				Message: "rule head cannot be negated"}
		}
		if !predicatePattern.MatchString(h.Predicate) || strings.HasPrefix(h.Predicate, QueryPrefix) {
			return &ir.CompilationError{Code: ir.ErrCodeSyntax, Subject: r.Name, Predicate: h.Predicate,
				Message: "invalid head predicate name"}
		}
		if n, ok := c.arity[h.Predicate]; ok && n != len(h.Args) {
			return &ir.CompilationError{Code: ir.ErrCodeArityMismatch, Subject: r.Name, Predicate: h.Predicate,
				Message: fmt.Sprintf("head has %d args, expected %d", len(h.Args), n)}
		}
		c.arity[h.Predicate] = len(h.Args)
	}
	return nil
}

func (c *compiler) checkRule(r ir.Rule) error {
	if err := c.checkBody(r.Name, r.Body); err != nil {
		return err
	}
	if err := c.checkTerms(r.Name, r.Head); err != nil {
		return err
	}
	bound := positiveVars(r.Body)
	for _, t := range r.Head.Args {
		if t.IsWildcard() {
			return &ir.CompilationError{Code: ir.ErrCodeUnsafeVariable, Subject: r.Name, Predicate: r.Head.Predicate,
				Message: "wildcard in rule head"}
		}
		if t.IsVar() && !bound[t.Var] {
			return &ir.CompilationError{Code: ir.ErrCodeUnsafeVariable, Subject: r.Name, Predicate: r.Head.Predicate,
				Message: fmt.Sprintf("head variable %s is not bound by a positive body atom", t.Var)}
		}
	}
	return nil
}

// checkBody resolves every atom and checks that variables of negated
// atoms are bound positively.
func (c *compiler) checkBody(subject string, body []ir.Atom) error {
	for _, a := range body {
		n, ok := c.arity[a.Predicate]
		if !ok {
			return &ir.CompilationError{Code: ir.ErrCodeUnresolvedPredicate, Subject: subject, Predicate: a.Predicate,
				Message: "predicate is neither declared nor derived by a rule"}
		}
		if n != len(a.Args) {
			return &ir.CompilationError{Code: ir.ErrCodeArityMismatch, Subject: subject, Predicate: a.Predicate,
				Message: fmt.Sprintf("used with %d args, expected %d", len(a.Args), n)}
		}
		if err := c.checkTerms(subject, a); err != nil {
			return err
		}
	}
	bound := positiveVars(body)
	for _, a := range body {
		if !a.Negated {
			continue
		}
		for _, v := range a.Variables() {
			if !bound[v] {
				return &ir.CompilationError{Code: ir.ErrCodeUnsafeVariable, Subject: subject, Predicate: a.Predicate,
					Message: fmt.Sprintf("variable %s appears only in a negated atom", v)}
			}
		}
	}
	return nil
}

// checkTerms rejects malformed variables and constants that cannot match
// the declared argument type.
func (c *compiler) checkTerms(subject string, a ir.Atom) error {
	decl, declared := c.decls[a.Predicate]
	for i, t := range a.Args {
		if t.IsVar() {
			if !variablePattern.MatchString(t.Var) {
				return &ir.CompilationError{Code: ir.ErrCodeSyntax, Subject: subject, Predicate: a.Predicate,
					Message: fmt.Sprintf("invalid variable name %q", t.Var)}
			}
			continue
		}
		if t.Const == nil {
			return &ir.CompilationError{Code: ir.ErrCodeSyntax, Subject: subject, Predicate: a.Predicate,
				Message: fmt.Sprintf("argument %d is empty", i)}
		}
		if err := ir.CheckValue(t.Const); err != nil {
			return &ir.CompilationError{Code: ir.ErrCodeSyntax, Subject: subject, Predicate: a.Predicate,
				Message: err.Error()}
		}
		if declared && t.Const.Type() != decl.Args[i].Type {
			return &ir.CompilationError{Code: ir.ErrCodeTypeMismatch, Subject: subject, Predicate: a.Predicate,
				Message: fmt.Sprintf("argument %d is %s, declared %s", i, t.Const.Type(), decl.Args[i].Type)}
		}
	}
	return nil
}

func positiveVars(body []ir.Atom) map[string]bool {
	bound := make(map[string]bool)
	for _, a := range body {
		if a.Negated {
			continue
		}
		for _, v := range a.Variables() {
			bound[v] = true
		}
	}
	return bound
}

func (c *compiler) assignQueryRelations() error {
	used := make(map[string]string, len(c.queries))
	for _, q := range c.queries {
		if q.Name == "" {
			return &ir.CompilationError{Code: ir.ErrCodeSyntax, Message: "query without a name"}
		}
		if _, dup := c.relNames[q.Name]; dup {
			return &ir.CompilationError{Code: ir.ErrCodeSyntax, Subject: q.Name, Message: "duplicate query name"}
		}
		rel := QueryRelationName(q.Name)
		if rel == QueryPrefix {
			rel += "q"
		}
		base := rel
		for n := 2; used[rel] != ""; n++ {
			rel = fmt.Sprintf("%s_%d", base, n)
		}
		used[rel] = q.Name
		c.relNames[q.Name] = QueryRelation{Relation: rel, Vars: q.Condition.Variables()}
		c.arity[rel] = max(1, len(q.Condition.Variables()))
	}
	return nil
}

// queryRule synthesizes the rule behind a query. A ground condition
// derives the single tuple (/true).
func (c *compiler) queryRule(q Query) ir.Rule {
	rel := c.relNames[q.Name]
	head := ir.Atom{Predicate: rel.Relation}
	if len(rel.Vars) == 0 {
		head.Args = []ir.Term{ir.C(ir.Bool(true))}
	}
	for _, v := range rel.Vars {
		head.Args = append(head.Args, ir.V(v))
	}
	return ir.Rule{Name: q.Name, Head: head, Body: q.Condition.Atoms, Enabled: true}
}

// facts returns the facts to emit, deduplicated and canonically ordered.
func (c *compiler) facts() ([]ir.Fact, error) {
	out := make([]ir.Fact, 0, len(c.in.Facts))
	seen := make(map[string]bool, len(c.in.Facts))
	for _, f := range c.in.Facts {
		if c.in.MinConfidence > 0 && f.Confidence < c.in.MinConfidence {
			continue
		}
		decl, ok := c.decls[f.Predicate]
		if !ok {
			return nil, &ir.CompilationError{Code: ir.ErrCodeUnresolvedPredicate, Subject: f.ID, Predicate: f.Predicate,
				Message: "fact of an undeclared predicate"}
		}
		if len(f.Args) != decl.Arity() {
			return nil, &ir.CompilationError{Code: ir.ErrCodeArityMismatch, Subject: f.ID, Predicate: f.Predicate,
				Message: fmt.Sprintf("fact has %d args, expected %d", len(f.Args), decl.Arity())}
		}
		key := f.Predicate + f.Args.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b ir.Fact) int {
		return cmp.Or(strings.Compare(a.Predicate, b.Predicate), ir.CompareTuples(a.Args, b.Args))
	})
	return out, nil
}

func (c *compiler) render(facts []ir.Fact, strata map[string]int) string {
	var b strings.Builder
	b.WriteString("# generated by reckon; do not edit\n")

	decls := slices.SortedFunc(maps.Values(c.decls), func(a, b ir.FactDeclaration) int {
		return strings.Compare(a.Name, b.Name)
	})
	if len(decls) > 0 {
		b.WriteString("\n")
	}
	for _, d := range decls {
		fmt.Fprintf(&b, "# %s\n", d.Signature())
		fmt.Fprintf(&b, "Decl %s(%s).\n", d.Name, strings.Join(declVars(d), ", "))
	}

	if len(facts) > 0 {
		b.WriteString("\n")
	}
	for _, f := range facts {
		fmt.Fprintf(&b, "%s.\n", f.String())
	}

	rules := slices.Clone(c.rules)
	slices.SortStableFunc(rules, func(x, y ir.Rule) int {
		return cmp.Or(cmp.Compare(strata[x.Head.Predicate], strata[y.Head.Predicate]), strings.Compare(x.Name, y.Name))
	})
	if len(rules) > 0 {
		b.WriteString("\n")
	}
	for _, r := range rules {
		fmt.Fprintf(&b, "%s\n", r.Clause())
	}

	if len(c.queries) > 0 {
		b.WriteString("\n")
	}
	for _, q := range c.queries {
		fmt.Fprintf(&b, "%s\n", c.queryRule(q).Clause())
	}
	return b.String()
}

// declVars names declaration arguments as Mangle variables.
func declVars(d ir.FactDeclaration) []string {
	vars := make([]string, len(d.Args))
	seen := make(map[string]bool, len(d.Args))
	for i, a := range d.Args {
		v := capitalize(a.Name)
		if v == "" || seen[v] {
			v = fmt.Sprintf("Arg%d", i)
		}
		seen[v] = true
		vars[i] = v
	}
	return vars
}

func capitalize(name string) string {
	var b strings.Builder
	upper := true
	for _, r := range name {
		if r == '_' {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	s := b.String()
	if s == "" || !unicode.IsUpper(rune(s[0])) {
		return ""
	}
	return s
}
