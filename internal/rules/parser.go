package rules

import (
	"strconv"
	"strings"
)

// headerKeyword is the rule action this parser accepts.
const headerKeyword = "alert"

// Inline filter options are moved out of the stored rule text, in this order.
var filterKeys = []string{"detection_filter", "threshold"}

type option struct {
	key   string
	value string
	// text is the whole option as written, without the terminating ';'.
	text string
}

// ParseRuleLine extracts a RuleLine from one line of a .rules file.
//
// Lines that are not rules at all return ErrNotRule. A rule header whose
// options lack sid, rev, msg or classtype returns an error wrapping
// ErrMalformed. A rule that carries its own gid returns ErrAbnormal.
// A leading comment marker keeps the rule but marks it inactive.
func ParseRuleLine(line string) (*RuleLine, error) {
	body := strings.TrimSpace(line)
	if body == "" {
		return nil, ErrNotRule
	}

	active := true
	if strings.HasPrefix(body, "#") {
		active = false
		body = strings.TrimLeft(body, "# \t")
	}

	fields := strings.Fields(body)
	if len(fields) == 0 || fields[0] != headerKeyword {
		return nil, ErrNotRule
	}

	open := strings.IndexByte(body, '(')
	end := strings.LastIndexByte(body, ')')
	if open < 0 || end < open {
		return nil, ErrMissingOption("options")
	}

	rl := &RuleLine{Active: active}
	var haveSID, haveRev, haveMsg bool

	opts := splitOptions(body[open+1 : end])
	for _, opt := range opts {
		switch opt.key {
		case "gid":
			return nil, ErrAbnormal
		case "sid":
			sid, err := strconv.ParseUint(opt.value, 10, 64)
			if err != nil {
				return nil, ErrInvalidOption("sid", opt.value)
			}
			rl.SID = sid
			haveSID = true
		case "rev":
			rev, err := strconv.ParseUint(opt.value, 10, 32)
			if err != nil {
				return nil, ErrInvalidOption("rev", opt.value)
			}
			rl.Rev = uint32(rev)
			haveRev = true
		case "msg":
			msg, ok := unquote(opt.value)
			if !ok {
				return nil, ErrInvalidOption("msg", opt.value)
			}
			rl.Msg = msg
			haveMsg = true
		case "classtype":
			rl.ClassType = opt.value
		case "metadata":
			if name := metadataRuleSet(opt.value); name != "" {
				rl.RuleSet = name
			}
		}
	}

	switch {
	case !haveSID:
		return nil, ErrMissingOption("sid")
	case !haveRev:
		return nil, ErrMissingOption("rev")
	case !haveMsg:
		return nil, ErrMissingOption("msg")
	case rl.ClassType == "":
		return nil, ErrMissingOption("classtype")
	}

	rl.Raw, rl.Filters = stripFilters(body[:open], opts)
	return rl, nil
}

// stripFilters rebuilds the rule from its header and options without the
// detection_filter and threshold options, and returns those separately.
// Whitespace is normalized between tokens only, never inside an option.
func stripFilters(header string, opts []option) (string, string) {
	var filters strings.Builder
	for _, key := range filterKeys {
		for _, opt := range opts {
			if opt.key == key {
				filters.WriteString(opt.text)
				filters.WriteByte(';')
			}
		}
	}

	kept := make([]string, 0, len(opts))
	for _, opt := range opts {
		if opt.key != "detection_filter" && opt.key != "threshold" {
			kept = append(kept, opt.text)
		}
	}
	raw := strings.Join(strings.Fields(header), " ") + " (" + strings.Join(kept, "; ") + ";)"
	return raw, filters.String()
}

// splitOptions tokenizes the option section of a rule. Semicolons inside
// quoted strings or escaped with a backslash do not terminate an option.
func splitOptions(s string) []option {
	var (
		opts    []option
		cur     strings.Builder
		inQuote bool
		escaped bool
	)

	flush := func() {
		tok := strings.TrimSpace(cur.String())
		cur.Reset()
		if tok == "" {
			return
		}
		key, value, _ := strings.Cut(tok, ":")
		opts = append(opts, option{
			key:   strings.TrimSpace(key),
			value: strings.TrimSpace(value),
			text:  tok,
		})
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '"':
			inQuote = !inQuote
		case c == ';' && !inQuote:
			flush()
			continue
		}
		cur.WriteByte(c)
	}
	flush()

	return opts
}

func unquote(v string) (string, bool) {
	if len(v) < 2 || v[0] != '"' || v[len(v)-1] != '"' {
		return "", false
	}
	return v[1 : len(v)-1], true
}

// metadataRuleSet returns the value of a "ruleset <name>" metadata entry.
func metadataRuleSet(value string) string {
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if name, ok := strings.CutPrefix(item, "ruleset "); ok {
			return strings.TrimSpace(name)
		}
	}
	return ""
}
