package internal

import (
	"errors"
	"fmt"
	"log"
	"reflect"
	"regexp"
	"strings"
	"unicode"

	"github.com/Knetic/govaluate"
	"github.com/PaesslerAG/jsonpath"
)

// Rule decides whether a push is relayed. Server optionally routes matching
// pushes to another aggregation server; empty means the default one.
type Rule struct {
	When   string `yaml:"when"`
	Server string `yaml:"server"`
}

// Match is a rule hit.
type Match struct {
	Server string
}

type compiledRule struct {
	when   string
	server string
	expr   *govaluate.EvaluableExpression
	paths  map[string]string
}

type RuleEngine struct {
	rules  []compiledRule
	strict bool
	logger *log.Logger
}

var ruleFunctions = map[string]govaluate.ExpressionFunction{
	"contains": containsFunc,
	"like":     likeFunc,
}

func NewRuleEngine(cfg RulesConfig) (*RuleEngine, error) {
	rules := make([]compiledRule, 0, len(cfg.Rules))
	for i, rule := range cfg.Rules {
		rewritten, paths := rewritePaths(rule.When)
		expr, err := govaluate.NewEvaluableExpressionWithFunctions(rewritten, ruleFunctions)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, compiledRule{
			when:   rule.When,
			server: rule.Server,
			expr:   expr,
			paths:  paths,
		})
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &RuleEngine{rules: rules, strict: cfg.Strict, logger: logger}, nil
}

// Len returns the number of compiled rules.
func (r *RuleEngine) Len() int {
	if r == nil {
		return 0
	}
	return len(r.rules)
}

// Evaluate returns one match per distinct server, in rule order.
func (r *RuleEngine) Evaluate(event Event) []Match {
	if r.Len() == 0 {
		return nil
	}

	matches := make([]Match, 0, 1)
	seen := make(map[string]struct{}, len(r.rules))
	for _, rule := range r.rules {
		result, err := rule.expr.Eval(ruleParams{event: event, paths: rule.paths, strict: r.strict})
		if err != nil {
			r.logger.Printf("rule %q eval failed: %v", rule.when, err)
			continue
		}
		ok, _ := result.(bool)
		if !ok {
			continue
		}
		if _, dup := seen[rule.server]; dup {
			continue
		}
		seen[rule.server] = struct{}{}
		matches = append(matches, Match{Server: rule.server})
	}
	return matches
}

// listValue hides JSON arrays from govaluate's argument separator, which
// would otherwise splice them into the surrounding function arguments.
type listValue []interface{}

type ruleParams struct {
	event  Event
	paths  map[string]string
	strict bool
}

func (p ruleParams) Get(name string) (interface{}, error) {
	if path, ok := p.paths[name]; ok {
		value, err := jsonpath.Get(path, p.event.RawObject)
		if err != nil {
			if p.strict {
				return nil, err
			}
			return nil, nil
		}
		return wrapList(value), nil
	}
	if value, ok := p.event.Data[name]; ok {
		return wrapList(value), nil
	}
	if p.strict {
		return nil, fmt.Errorf("missing field %s", name)
	}
	return nil, nil
}

func wrapList(value interface{}) interface{} {
	if list, ok := value.([]interface{}); ok {
		return listValue(list)
	}
	return value
}

const pathVarPrefix = "jsonpathVar"

// rewritePaths replaces JSONPath references ($.a.b, a.b, a[0].b) with plain
// variable names govaluate can parse, returning the name to path mapping.
func rewritePaths(expr string) (string, map[string]string) {
	runes := []rune(expr)
	paths := make(map[string]string)
	var out strings.Builder

	placeholder := func(path string) string {
		name := fmt.Sprintf("%s%d", pathVarPrefix, len(paths))
		paths[name] = path
		return name
	}

	for i := 0; i < len(runes); {
		c := runes[i]
		switch {
		case c == '"' || c == '\'':
			j := skipQuoted(runes, i)
			out.WriteString(string(runes[i:j]))
			i = j
		case c == '[':
			// govaluate escaped parameter name
			j := i + 1
			for j < len(runes) && runes[j] != ']' {
				j++
			}
			if j < len(runes) {
				j++
			}
			out.WriteString(string(runes[i:j]))
			i = j
		case c == '$':
			j := scanPath(runes, i+1)
			out.WriteString(placeholder(string(runes[i:j])))
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < len(runes) && isIdentRune(runes[j]) {
				j++
			}
			k := scanPath(runes, j)
			if k > j {
				out.WriteString(placeholder("$." + string(runes[i:k])))
			} else {
				out.WriteString(string(runes[i:j]))
			}
			i = k
		default:
			out.WriteRune(c)
			i++
		}
	}
	return out.String(), paths
}

// scanPath consumes ".name" and "[...]" segments starting at i.
func scanPath(runes []rune, i int) int {
	for i < len(runes) {
		switch {
		case runes[i] == '.' && i+1 < len(runes) && isIdentRune(runes[i+1]):
			i++
			for i < len(runes) && isIdentRune(runes[i]) {
				i++
			}
		case runes[i] == '[':
			depth := 0
			for i < len(runes) {
				switch runes[i] {
				case '"', '\'':
					i = skipQuoted(runes, i)
					continue
				case '[':
					depth++
				case ']':
					depth--
				}
				i++
				if depth == 0 {
					break
				}
			}
		default:
			return i
		}
	}
	return i
}

func skipQuoted(runes []rune, i int) int {
	quote := runes[i]
	j := i + 1
	for j < len(runes) {
		if runes[j] == '\\' {
			j += 2
			continue
		}
		if runes[j] == quote {
			return j + 1
		}
		j++
	}
	return len(runes)
}

func isIdentRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

func containsFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, errors.New("contains expects 2 arguments")
	}
	switch haystack := args[0].(type) {
	case nil:
		return false, nil
	case string:
		needle, ok := args[1].(string)
		if !ok {
			return false, nil
		}
		return strings.Contains(haystack, needle), nil
	case listValue:
		for _, item := range haystack {
			if reflect.DeepEqual(item, args[1]) {
				return true, nil
			}
		}
		return false, nil
	default:
		return nil, fmt.Errorf("contains: unsupported type %T", args[0])
	}
}

func likeFunc(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, errors.New("like expects 2 arguments")
	}
	value, ok := args[0].(string)
	if !ok {
		return false, nil
	}
	pattern, ok := args[1].(string)
	if !ok {
		return nil, fmt.Errorf("like: pattern must be a string, got %T", args[1])
	}
	parts := strings.Split(pattern, "%")
	for i := range parts {
		parts[i] = regexp.QuoteMeta(parts[i])
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return nil, err
	}
	return re.MatchString(value), nil
}
