package filter

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/astrolab/finkstream/errors"
	"github.com/astrolab/finkstream/record"
	"github.com/google/cel-go/cel"
)

// RuleVariable is the name under which each record's fields are exposed to
// rule expressions.
const RuleVariable = "record"

// Rule is one named CEL predicate
type Rule struct {
	Name       string `toml:"name"`
	Expression string `toml:"expression"`
}

type ruleFile struct {
	Rules []Rule `toml:"rule"`
}

type compiledRule struct {
	name    string
	program cel.Program
}

// RuleStage keeps records for which every rule evaluates to true
type RuleStage struct {
	label string
	rules []compiledRule
}

// LoadRuleFile parses a TOML rule file of the form
//
//	[[rule]]
//	name = "quality"
//	expression = "record.candidate_rb >= 0.55"
//
// and compiles every rule. Any parse or compile problem is a configuration error.
func LoadRuleFile(path string) (*RuleStage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Configurationf("failed to read rule file %s: %v", path, err)
	}
	return ParseRules(path, string(data))
}

// ParseRules compiles rules from TOML text. label names the resulting stage.
func ParseRules(label, text string) (*RuleStage, error) {
	var rf ruleFile
	md, err := toml.Decode(text, &rf)
	if err != nil {
		return nil, errors.Configurationf("failed to parse rule file %s: %v", label, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Configurationf("unknown keys in rule file %s: %v", label, undecoded)
	}
	return NewRuleStage(label, rf.Rules...)
}

// NewRuleStage compiles rules into a stage
func NewRuleStage(label string, rules ...Rule) (*RuleStage, error) {
	env, err := cel.NewEnv(
		cel.Variable(RuleVariable, cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	stage := &RuleStage{label: label, rules: make([]compiledRule, 0, len(rules))}
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r.Name == "" {
			return nil, errors.Configurationf("rule %d in %s has no name", i, label)
		}
		if seen[r.Name] {
			return nil, errors.Configurationf("duplicate rule %q in %s", r.Name, label)
		}
		seen[r.Name] = true

		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, errors.Configurationf("rule %q: %v", r.Name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
			return nil, errors.Configurationf("rule %q must evaluate to bool, got %s", r.Name, ast.OutputType())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, errors.Configurationf("rule %q: %v", r.Name, err)
		}
		stage.rules = append(stage.rules, compiledRule{name: r.Name, program: prg})
	}
	return stage, nil
}

// Name returns the stage label
func (s *RuleStage) Name() string {
	return "rules:" + s.label
}

// RuleNames lists rules in evaluation order
func (s *RuleStage) RuleNames() []string {
	names := make([]string, len(s.rules))
	for i, r := range s.rules {
		names[i] = r.name
	}
	return names
}

// Apply keeps the records matching every rule. A rule reading a column the
// record lacks (or holds as null) does not match, like a SQL predicate on a
// null column. Other evaluation errors and non-boolean results fail the
// stage.
func (s *RuleStage) Apply(batch record.Batch) (record.Batch, error) {
	out := make(record.Batch, 0, len(batch))
	for _, rec := range batch {
		keep, err := s.match(rec)
		if err != nil {
			return nil, err
		}
		if keep {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *RuleStage) match(rec record.Record) (bool, error) {
	input := map[string]interface{}{
		RuleVariable: withoutNulls(rec.Fields),
	}
	for _, r := range s.rules {
		val, _, err := r.program.Eval(input)
		if err != nil {
			if isMissingColumn(err) {
				return false, nil
			}
			return false, fmt.Errorf("rule %q on record %s: %w", r.name, rec.ID, err)
		}
		ok, isBool := val.Value().(bool)
		if !isBool {
			return false, fmt.Errorf("rule %q on record %s returned %T, want bool", r.name, rec.ID, val.Value())
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// withoutNulls hides null columns so rules see them as absent
func withoutNulls(fields record.Fields) map[string]interface{} {
	for _, v := range fields {
		if v == nil {
			out := make(map[string]interface{}, len(fields))
			for k, v := range fields {
				if v != nil {
					out[k] = v
				}
			}
			return out
		}
	}
	return fields
}

// cel-go reports absent map keys as "no such key: <name>"
func isMissingColumn(err error) bool {
	return strings.Contains(err.Error(), "no such key")
}
