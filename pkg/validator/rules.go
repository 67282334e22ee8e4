// Package validator checks and normalizes extracted candidate fields with a
// deterministic rule layer and an optional per-field LLM verification pass.
package validator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/talentbase/resumeflow/pkg/models"
)

var (
	yyyymmRe    = regexp.MustCompile(`^(\d{4})[./\-년\s]*(\d{1,2})`)
	yearOnlyRe  = regexp.MustCompile(`^(\d{4})$`)
	phoneRuleRe = regexp.MustCompile(`^0\d{1,2}-\d{3,4}-\d{4}$|^\+?\d[\d\s.-]{7,14}$`)
	emailRuleRe = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)

	// Corporate prefixes and suffixes stripped during canonicalisation.
	companyNoise = regexp.MustCompile(`(?i)^\(?(주식회사|유한회사|\(주\)|㈜)\)?\s*|\s*(inc\.?|corp\.?|co\.,?\s*ltd\.?|ltd\.?|llc|gmbh)\.?$`)
)

// degreeAliases maps raw degree strings (lower-cased) to the normalized set
// HighSchool/Associate/Bachelor/Master/Doctorate.
var degreeAliases = map[string]string{
	"고졸": "HighSchool", "고등학교": "HighSchool", "high school": "HighSchool",
	"전문학사": "Associate", "초대졸": "Associate", "associate": "Associate",
	"학사": "Bachelor", "대졸": "Bachelor", "bachelor": "Bachelor", "bs": "Bachelor",
	"ba": "Bachelor", "b.s.": "Bachelor", "b.a.": "Bachelor",
	"석사": "Master", "master": "Master", "ms": "Master", "ma": "Master",
	"m.s.": "Master", "m.a.": "Master", "mba": "Master",
	"박사": "Doctorate", "doctorate": "Doctorate", "phd": "Doctorate",
	"ph.d.": "Doctorate", "ph.d": "Doctorate", "doctor": "Doctorate",
}

// NormalizeDate coerces assorted date spellings (2019.03, 2019/3, 2019년 3월,
// 2019-03, bare 2019) to YYYY-MM. Unparseable input is returned unchanged.
func NormalizeDate(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	lower := strings.ToLower(s)
	if lower == "present" || lower == "current" || lower == "재직중" || lower == "현재" {
		return ""
	}
	if m := yyyymmRe.FindStringSubmatch(s); m != nil {
		return fmt.Sprintf("%s-%s", m[1], padMonth(m[2]))
	}
	if m := yearOnlyRe.FindStringSubmatch(s); m != nil {
		return m[1] + "-01"
	}
	return s
}

func padMonth(m string) string {
	if len(m) == 1 {
		return "0" + m
	}
	return m
}

// NormalizeDegree maps free-form degree strings onto the fixed set. Unknown
// values pass through unchanged.
func NormalizeDegree(raw string) string {
	key := strings.ToLower(strings.TrimSpace(raw))
	if canonical, ok := degreeAliases[key]; ok {
		return canonical
	}
	for alias, canonical := range degreeAliases {
		if strings.Contains(key, alias) {
			return canonical
		}
	}
	return strings.TrimSpace(raw)
}

// CanonicalCompany strips corporate-form prefixes/suffixes and collapses
// whitespace so "(주)카카오" and "Kakao Corp." compare equal after casing.
func CanonicalCompany(raw string) string {
	s := strings.TrimSpace(raw)
	for {
		next := strings.TrimSpace(companyNoise.ReplaceAllString(s, ""))
		if next == s || next == "" {
			break
		}
		s = next
	}
	return strings.Join(strings.Fields(s), " ")
}

// ValidPhone reports whether the value looks like a phone number.
func ValidPhone(v string) bool { return phoneRuleRe.MatchString(strings.TrimSpace(v)) }

// ValidEmail reports whether the value looks like an email address.
func ValidEmail(v string) bool { return emailRuleRe.MatchString(strings.TrimSpace(v)) }

// RuleIssue is one deterministic-check finding.
type RuleIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ApplyRules normalizes dates, degrees, and companies in place and returns
// format findings for the PII fields. Masking placeholders are left alone.
func ApplyRules(c *models.Candidate) []RuleIssue {
	var issues []RuleIssue

	if c.Phone != "" && c.Phone != "[PHONE]" && !ValidPhone(c.Phone) {
		issues = append(issues, RuleIssue{Field: "phone", Message: "phone does not match any accepted format"})
	}
	if c.Email != "" && c.Email != "[EMAIL]" && !ValidEmail(c.Email) {
		issues = append(issues, RuleIssue{Field: "email", Message: "email does not match the accepted format"})
	}
	if c.ExpYears < 0 || c.ExpYears > 60 {
		issues = append(issues, RuleIssue{Field: "exp_years", Message: "experience years out of plausible range"})
	}

	for i := range c.Careers {
		c.Careers[i].Company = CanonicalCompany(c.Careers[i].Company)
		c.Careers[i].StartDate = NormalizeDate(c.Careers[i].StartDate)
		c.Careers[i].EndDate = NormalizeDate(c.Careers[i].EndDate)
		if c.Careers[i].EndDate == "" && c.Careers[i].StartDate != "" {
			c.Careers[i].IsCurrent = true
		}
	}
	for i := range c.Educations {
		c.Educations[i].Degree = NormalizeDegree(c.Educations[i].Degree)
		c.Educations[i].StartDate = NormalizeDate(c.Educations[i].StartDate)
		c.Educations[i].EndDate = NormalizeDate(c.Educations[i].EndDate)
	}
	c.CurrentCompany = CanonicalCompany(c.CurrentCompany)

	return issues
}
