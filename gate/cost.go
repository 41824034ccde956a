// Copyright © 2026 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package gate

import (
	"regexp"
	"strings"

	"github.com/go-core-stack/ratecontrol/config"
	"github.com/go-core-stack/ratecontrol/errors"
)

// methodCosts prices requests the configured cost table does not
// cover, keyed by lowercase http method.
var methodCosts = map[string]int64{
	"get":    1,
	"post":   2,
	"put":    2,
	"patch":  2,
	"delete": 3,
}

// defaultMethodCost prices methods missing from methodCosts
const defaultMethodCost = 1

// costRule is one compiled pricing rule.
type costRule struct {
	pattern *regexp.Regexp
	cost    int64
	methods map[string]int64
}

// costTable resolves the token price of a request from tagged rules
// evaluated in declaration order.
type costTable struct {
	rules []costRule
}

// newCostTable compiles the configured rules. Method keys are folded
// to lowercase so the table accepts either casing.
func newCostTable(rules []config.CostRule) (*costTable, error) {
	table := &costTable{rules: make([]costRule, 0, len(rules))}
	for i, rule := range rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, errors.Wrapf(errors.InvalidArgument, "cost rule %d: invalid pattern %q: %s", i, rule.Pattern, err)
		}
		compiled := costRule{pattern: re, cost: rule.Cost}
		if len(rule.Methods) > 0 {
			compiled.methods = make(map[string]int64, len(rule.Methods))
			for method, cost := range rule.Methods {
				compiled.methods[strings.ToLower(method)] = cost
			}
		}
		table.rules = append(table.rules, compiled)
	}
	return table, nil
}

// costFor returns the token price of one request. The first rule whose
// pattern matches the path answers, through its method map, the map's
// "default" entry or its flat cost. Method based defaults price
// requests the table leaves unanswered.
func (t *costTable) costFor(path, method string) int64 {
	method = strings.ToLower(method)
	for _, rule := range t.rules {
		if !rule.pattern.MatchString(path) {
			continue
		}
		if cost, ok := rule.methods[method]; ok {
			return cost
		}
		if cost, ok := rule.methods["default"]; ok {
			return cost
		}
		if rule.cost > 0 {
			return rule.cost
		}
		break
	}
	if cost, ok := methodCosts[method]; ok {
		return cost
	}
	return defaultMethodCost
}
