package riskrules

import (
	"strings"

	"github.com/tidwall/gjson"
)

const warningText = "risk file, modify with care"

// Rule marks files of a repository as high risk.
type Rule struct {
	FileType string `json:"file_type,omitempty"`
	FilePath string `json:"file_path"`
	Comments string `json:"comments,omitempty"`
}

// Match returns the rules whose FilePath occurs in fileName.
func Match(rules []Rule, fileName string) []Rule {
	var matched []Rule
	for _, r := range rules {
		if r.FilePath == "" {
			continue
		}
		if strings.Contains(fileName, r.FilePath) {
			matched = append(matched, r)
		}
	}
	return matched
}

// Warning renders the message shown when a matched file is opened.
func Warning(r Rule) string {
	if r.Comments == "" {
		return warningText
	}
	return warningText + "; reason: " + r.Comments
}

// parseRuleList reads the rule_list array of a rules response. A body
// without rule_list yields no rules.
func parseRuleList(body []byte) []Rule {
	list := gjson.GetBytes(body, "rule_list")
	if !list.IsArray() {
		return nil
	}

	rules := make([]Rule, 0, len(list.Array()))
	list.ForEach(func(_, item gjson.Result) bool {
		r := Rule{
			FileType: item.Get("file_type").String(),
			FilePath: item.Get("file_path").String(),
			Comments: item.Get("comments").String(),
		}
		if r.FilePath != "" {
			rules = append(rules, r)
		}
		return true
	})
	return rules
}
