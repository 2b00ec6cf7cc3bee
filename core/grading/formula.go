package grading

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/Knetic/govaluate"
	"github.com/pkg/errors"

	"github.com/scolarflow/scolarflow/core"
)

var ErrInvalidFormula = errors.New("invalid formula")

var glyphReplacer = strings.NewReplacer("÷", "/", "×", "*", "−", "-")

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokSubject
	tokOperator
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string // subject name for tokSubject
	pos  int
}

func (t token) isOperand() bool {
	return t.kind == tokNumber || t.kind == tokSubject || t.kind == tokRParen
}

// Formula is a compiled average formula.
// Subject names are resolved as whole tokens: a name is never matched inside another name.
// Identifiers that are not known subject names are still treated as subjects (graded 0 when missing).
type Formula struct {
	source     string
	divisor    float64
	referenced []string          // subject names in order of first appearance
	params     map[string]string // {subject name: expression parameter}
	expr       *govaluate.EvaluableExpression
	err        error
}

// ParseFormula compiles `text` against the known subject names.
// It never fails: a formula that cannot be compiled keeps its error and always falls back.
func ParseFormula(text string, divisor float64, subjectNames ...string) *Formula {
	f := &Formula{
		source:  text,
		divisor: divisor,
		params:  make(map[string]string),
	}
	names := sortedNames(subjectNames)
	normalized := normalizeFormula(text)

	tokens, err := tokenize(normalized, names)
	if err != nil {
		f.err = err
		f.referenced = scanReferences(normalized, names)
		return f
	}
	var sb strings.Builder
	for i, tok := range tokens {
		if tok.kind == tokOperator && tok.text == "+" && (i == 0 || !tokens[i-1].isOperand()) {
			continue // unary plus
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		switch tok.kind {
		case tokSubject:
			param, ok := f.params[tok.text]
			if !ok {
				param = fmt.Sprintf("s%d", len(f.params))
				f.params[tok.text] = param
				f.referenced = append(f.referenced, tok.text)
			}
			sb.WriteString(param)
		default:
			sb.WriteString(tok.text)
		}
	}

	expr, err := govaluate.NewEvaluableExpression(sb.String())
	if err != nil {
		f.err = errors.Wrap(ErrInvalidFormula, err.Error())
		return f
	}
	f.expr = expr
	return f
}

func (f *Formula) String() string { return f.source }

// Err returns the compilation error, if any.
func (f *Formula) Err() error { return f.err }

// Referenced returns the subject names used by the formula.
func (f *Formula) Referenced() []string {
	return append([]string(nil), f.referenced...)
}

// Evaluate returns the formula's value rounded to 2 decimals.
// On any failure it falls back to sum(referenced grades) / divisor, and to 0 when no referenced
// subject has a grade. grades is keyed by subject name and is never modified.
func (f *Formula) Evaluate(grades map[string]float64) float64 {
	val, _ := f.Eval(grades)
	return val
}

// Eval is Evaluate that also reports whether the fallback was used.
func (f *Formula) Eval(grades map[string]float64) (float64, bool) {
	val, err := f.evaluate(grades)
	if err != nil {
		return f.fallback(grades), true
	}
	return core.Round2(val), false
}

func (f *Formula) evaluate(grades map[string]float64) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}

	params := make(map[string]interface{}, len(f.params))
	for name, param := range f.params {
		params[param] = grades[name] // missing grade is 0
	}
	res, err := f.expr.Evaluate(params)
	if err != nil {
		return 0, errors.Wrap(ErrInvalidFormula, err.Error())
	}
	val, ok := res.(float64)
	if !ok {
		return 0, errors.Wrapf(ErrInvalidFormula, "non numeric result %v", res)
	}
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return 0, errors.Wrapf(ErrInvalidFormula, "non finite result %v", val)
	}
	return val, nil
}

func (f *Formula) fallback(grades map[string]float64) float64 {
	var sum float64
	var contributing int
	for _, name := range f.referenced {
		if g, ok := grades[name]; ok {
			sum += g
			contributing++
		}
	}
	if contributing == 0 {
		return 0
	}
	return core.Round2(sum / f.divisor)
}

// EvaluateFormula compiles and evaluates `formula` in one go.
// When no subject names are given, the grades' keys are the known names.
func EvaluateFormula(formula string, grades map[string]float64, divisor float64, subjectNames ...string) float64 {
	if len(subjectNames) == 0 {
		for name := range grades {
			subjectNames = append(subjectNames, name)
		}
		sort.Strings(subjectNames)
	}
	return ParseFormula(formula, divisor, subjectNames...).Evaluate(grades)
}

// MeanAverage is the plain arithmetic mean of `grades`, 0 when empty.
func MeanAverage(grades map[string]float64) float64 {
	if len(grades) == 0 {
		return 0
	}
	names := make([]string, 0, len(grades))
	for name := range grades {
		names = append(names, name)
	}
	sort.Strings(names)

	var sum float64
	for _, name := range names {
		sum += grades[name]
	}
	return core.Round2(sum / float64(len(grades)))
}

// BuildFormula generates the formula text for the selected subjects, eg: "=(Maths + Français) ÷ 2".
func BuildFormula(subjectNames []string, divisor float64) string {
	if len(subjectNames) == 0 {
		return ""
	}
	return "=(" + strings.Join(subjectNames, " + ") + ") ÷ " + strconv.FormatFloat(divisor, 'f', -1, 64)
}

func normalizeFormula(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "=")
	return glyphReplacer.Replace(text)
}

// sortedNames returns the non blank names, longest first so that "Anglais oral" wins over "Anglais".
func sortedNames(names []string) [][]rune {
	out := make([][]rune, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, []rune(n))
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	return out
}

func isIdentRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '\'' || r == '’'
}

// matchName returns the length of the longest known name starting at runes[i] and ending on a
// token boundary, 0 if none.
func matchName(runes []rune, i int, names [][]rune) int {
	for _, name := range names {
		n := len(name)
		if i+n > len(runes) {
			continue
		}
		if !equalRunes(runes[i:i+n], name) {
			continue
		}
		if i+n < len(runes) && isIdentRune(runes[i+n]) && isIdentRune(name[n-1]) {
			continue
		}
		return n
	}
	return 0
}

func equalRunes(a, b []rune) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func tokenize(expr string, names [][]rune) ([]token, error) {
	runes := []rune(expr)
	tokens := make([]token, 0, len(runes)/2)

	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
			continue
		case r == '+' || r == '-' || r == '*' || r == '/':
			tokens = append(tokens, token{kind: tokOperator, text: string(r), pos: i})
			i++
			continue
		case r == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", pos: i})
			i++
			continue
		case r == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", pos: i})
			i++
			continue
		}

		if n := matchName(runes, i, names); n > 0 {
			tokens = append(tokens, token{kind: tokSubject, text: string(runes[i : i+n]), pos: i})
			i += n
			continue
		}

		if unicode.IsDigit(r) || r == '.' {
			j := i
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.') {
				j++
			}
			lit := string(runes[i:j])
			num, err := strconv.ParseFloat(lit, 64)
			if err != nil {
				return nil, errors.Wrapf(ErrInvalidFormula, "bad number %q at %d", lit, i)
			}
			tokens = append(tokens, token{kind: tokNumber, text: strconv.FormatFloat(num, 'f', -1, 64), pos: i})
			i = j
			continue
		}

		if isIdentRune(r) {
			j := identEnd(runes, i, names)
			tokens = append(tokens, token{kind: tokSubject, text: string(runes[i:j]), pos: i})
			i = j
			continue
		}

		return nil, errors.Wrapf(ErrInvalidFormula, "unexpected %q at %d", r, i)
	}

	if err := checkSequence(tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

// identEnd returns the end of the unknown subject name starting at runes[i].
// Names may contain spaces: a following word that starts with a letter and is not a known name
// belongs to the same name, eg: "Anglais oral".
func identEnd(runes []rune, i int, names [][]rune) int {
	j := i
	for {
		for j < len(runes) && isIdentRune(runes[j]) {
			j++
		}
		k := j
		for k < len(runes) && runes[k] == ' ' {
			k++
		}
		if k == j || k == len(runes) || !unicode.IsLetter(runes[k]) || matchName(runes, k, names) > 0 {
			return j
		}
		j = k
	}
}

// checkSequence rejects empty formulas, implicit multiplication and unbalanced parentheses.
func checkSequence(tokens []token) error {
	if len(tokens) == 0 {
		return errors.Wrap(ErrInvalidFormula, "empty formula")
	}
	var depth int
	for i, tok := range tokens {
		if i > 0 {
			prev := tokens[i-1]
			if prev.isOperand() && (tok.kind == tokNumber || tok.kind == tokSubject || tok.kind == tokLParen) {
				return errors.Wrapf(ErrInvalidFormula, "missing operator before %q at %d", tok.text, tok.pos)
			}
		}
		switch tok.kind {
		case tokLParen:
			depth++
		case tokRParen:
			depth--
			if depth < 0 {
				return errors.Wrapf(ErrInvalidFormula, "unbalanced ')' at %d", tok.pos)
			}
		}
	}
	if depth != 0 {
		return errors.Wrap(ErrInvalidFormula, "unbalanced '('")
	}
	return nil
}

// scanReferences finds the known names used in a formula that could not be tokenized.
func scanReferences(expr string, names [][]rune) []string {
	runes := []rune(expr)
	var refs []string
	seen := make(map[string]bool)
	for i := 0; i < len(runes); i++ {
		if i > 0 && isIdentRune(runes[i-1]) {
			continue
		}
		if n := matchName(runes, i, names); n > 0 {
			name := string(runes[i : i+n])
			if !seen[name] {
				seen[name] = true
				refs = append(refs, name)
			}
			i += n - 1
		}
	}
	return refs
}
