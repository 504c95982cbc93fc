package sanitize

import "regexp"

// Pattern represents a compiled detection pattern.
type Pattern struct {
	Name     string
	Category string
	Regex    *regexp.Regexp
}

// compileInjectionPatterns builds the SQL/command injection library:
// keywords combined with boolean or comparison operators, dangerous DDL/DML
// verbs, and known dangerous stored procedures.
func compileInjectionPatterns() []Pattern {
	return []Pattern{
		{Name: "sqli_union", Category: "sqli",
			Regex: regexp.MustCompile(`(?i)\bunion\b\s+(all\s+)?select\b`)},
		{Name: "sqli_or_true", Category: "sqli",
			Regex: regexp.MustCompile(`(?i)(\b(or|and)\b\s+[\d'"]+\s*=\s*[\d'"]+|'\s*or\s*'[^']*'\s*=\s*'[^']*')`)},
		{Name: "sqli_comment", Category: "sqli",
			Regex: regexp.MustCompile(`(?i)(--|#|/\*.*?\*/)\s*$|(--|#|/\*.*?\*/|;)\s*(drop|alter|delete|update|insert|create|exec|execute)\b`)},
		{Name: "sqli_stacked", Category: "sqli",
			Regex: regexp.MustCompile(`(?i);\s*(drop|alter|truncate|delete\s+from|update\s+\w+\s+set|insert\s+into|create|exec|execute)\b`)},
		{Name: "sqli_ddl", Category: "sqli",
			Regex: regexp.MustCompile(`(?i)\b(drop\s+(table|database|index|view)|truncate\s+table|alter\s+table)\b`)},
		{Name: "sqli_sleep", Category: "sqli",
			Regex: regexp.MustCompile(`(?i)(sleep\s*\(\s*\d+\s*\)|benchmark\s*\(\s*\d+|waitfor\s+delay\s+')`)},
		{Name: "sqli_stored_proc", Category: "sqli",
			Regex: regexp.MustCompile(`(?i)\b(xp_cmdshell|sp_executesql|sp_makewebtask|xp_regread|xp_dirtree)\b`)},
		{Name: "sqli_information_schema", Category: "sqli",
			Regex: regexp.MustCompile(`(?i)(information_schema|sysobjects|syscolumns|pg_catalog)`)},
	}
}

// compileMarkupPatterns builds the XSS/markup library: script tags, event
// handler attributes, script URIs, embedded frames/objects, and dangerous
// CSS constructs.
func compileMarkupPatterns() []Pattern {
	return []Pattern{
		{Name: "xss_script_tag", Category: "xss",
			Regex: regexp.MustCompile(`(?i)<\s*script[^>]*>`)},
		{Name: "xss_event_handler", Category: "xss",
			Regex: regexp.MustCompile(`(?i)\bon(error|load|click|mouseover|focus|blur|submit|change|input|keyup|keydown|mouseout|dblclick|contextmenu|drag|drop)\s*=`)},
		{Name: "xss_script_uri", Category: "xss",
			Regex: regexp.MustCompile(`(?i)(javascript|vbscript)\s*:`)},
		{Name: "xss_embedded_object", Category: "xss",
			Regex: regexp.MustCompile(`(?i)<\s*(iframe|frame|frameset|embed|object|applet)\b`)},
		{Name: "xss_css_expression", Category: "xss",
			Regex: regexp.MustCompile(`(?i)(expression\s*\(|url\s*\(\s*(javascript|data):|@import\b)`)},
	}
}
