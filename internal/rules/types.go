package rules

// Priority levels used by classification.config (lower is more severe)
const (
	PriorityHigh    = 1
	PriorityMedium  = 2
	PriorityLow     = 3
	PriorityDefault = 4
)

// PriorityNames maps priorities to display labels
var PriorityNames = map[int]string{
	PriorityHigh:    "high",
	PriorityMedium:  "medium",
	PriorityLow:     "low",
	PriorityDefault: "info",
}

// DefaultGID is the generator of text rules; rules with their own gid are
// rejected as abnormal.
const DefaultGID = 1

// RuleLine is the typed record extracted from one rule line.
type RuleLine struct {
	SID       uint64
	Rev       uint32
	Msg       string
	ClassType string
	Active    bool
	// RuleSet is set only when the line carries a "ruleset" metadata entry.
	RuleSet string
	// Raw is the rule text without comment markers, filter clauses and
	// redundant whitespace.
	Raw string
	// Filters holds the detection_filter/threshold clauses removed from Raw.
	Filters string
}

// RuleSetName returns the ruleset named by the line, or fallback when the
// line does not name one.
func (l *RuleLine) RuleSetName(fallback string) string {
	if l.RuleSet != "" {
		return l.RuleSet
	}
	return fallback
}

// Classification is one "config classification:" entry.
type Classification struct {
	Name        string
	Description string
	Priority    int
}

// GeneratorEntry is one gen-msg.map entry.
type GeneratorEntry struct {
	GID     uint32
	AlertID uint32
	Message string
}

// ReferenceType is one "config reference:" entry.
type ReferenceType struct {
	Name      string
	URLPrefix string
}

// Reference is a (type, value) pair attached to a rule revision.
type Reference struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// SidMessage is one sid-msg.map entry.
type SidMessage struct {
	SID        uint64
	Message    string
	References []Reference
}
