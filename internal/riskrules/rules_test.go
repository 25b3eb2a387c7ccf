package riskrules

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	rules := []Rule{
		{FilePath: "src/billing/", Comments: "money moves here"},
		{FilePath: "Config.java"},
		{FilePath: ""},
	}

	matched := Match(rules, "/work/repo/src/billing/Invoice.java")
	assert.Equal(t, []Rule{rules[0]}, matched)

	matched = Match(rules, "/work/repo/src/app/Config.java")
	assert.Equal(t, []Rule{rules[1]}, matched)

	assert.Empty(t, Match(rules, "/work/repo/README.md"), "empty file_path must not match everything")
	assert.Empty(t, Match(nil, "anything"))
}

func TestWarning(t *testing.T) {
	assert.Equal(t, "risk file, modify with care", Warning(Rule{FilePath: "a"}))
	assert.Equal(t, "risk file, modify with care; reason: core ledger", Warning(Rule{FilePath: "a", Comments: "core ledger"}))
}

func TestParseRuleList(t *testing.T) {
	body := []byte(`{
		"code": 0,
		"rule_list": [
			{"file_type": "java", "file_path": "src/Pay.java", "comments": "payments"},
			{"file_type": "xml", "file_path": ""},
			{"file_path": "db/migrations/"}
		]
	}`)

	rules := parseRuleList(body)
	assert.Equal(t, []Rule{
		{FileType: "java", FilePath: "src/Pay.java", Comments: "payments"},
		{FilePath: "db/migrations/"},
	}, rules)

	assert.Empty(t, parseRuleList([]byte(`{"code": 0}`)))
	assert.Empty(t, parseRuleList([]byte(`{"rule_list": "nope"}`)))
}
