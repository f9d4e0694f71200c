package rules

import (
	"path/filepath"
	"strconv"
	"strings"
)

const (
	classificationPrefix = "config classification:"
	referencePrefix      = "config reference:"
	mapSeparator         = "||"
)

// RuleSetFromPath derives the default ruleset name of a rule file: its base
// name with the extension stripped.
func RuleSetFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ParseClassification parses a classification.config line:
//
//	config classification: <name>,<description>,<priority>
func ParseClassification(line string) (*Classification, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), classificationPrefix)
	if !ok {
		return nil, ErrNotRule
	}

	parts := strings.Split(rest, ",")
	if len(parts) < 3 {
		return nil, ErrBadFormat("rule classification")
	}
	priority, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil {
		return nil, ErrBadFormat("rule classification priority")
	}
	name := strings.TrimSpace(parts[0])
	if name == "" {
		return nil, ErrBadFormat("rule classification")
	}

	return &Classification{
		Name:        name,
		Description: strings.TrimSpace(parts[1]),
		Priority:    priority,
	}, nil
}

// ParseGenerator parses a gen-msg.map line:
//
//	<gid> || <alertID> || <message>
func ParseGenerator(line string) (*GeneratorEntry, error) {
	parts, ok := splitMapLine(line)
	if !ok {
		return nil, ErrNotRule
	}
	if len(parts) < 3 {
		return nil, ErrBadFormat("generator")
	}

	gid, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return nil, ErrBadFormat("generator")
	}
	alertID, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return nil, ErrBadFormat("generator")
	}

	return &GeneratorEntry{
		GID:     uint32(gid),
		AlertID: uint32(alertID),
		Message: parts[2],
	}, nil
}

// ParseReferenceType parses a reference.config line:
//
//	config reference: <name> <http(s)://url-prefix>
func ParseReferenceType(line string) (*ReferenceType, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), referencePrefix)
	if !ok {
		return nil, ErrNotRule
	}

	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return nil, ErrBadFormat("reference type")
	}
	url := fields[len(fields)-1]
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, ErrBadFormat("reference type url")
	}

	return &ReferenceType{
		Name:      strings.Join(fields[:len(fields)-1], " "),
		URLPrefix: url,
	}, nil
}

// ParseSidMessage parses a sid-msg.map line:
//
//	<sid> || <message> [|| <type>,<value>]...
func ParseSidMessage(line string) (*SidMessage, error) {
	parts, ok := splitMapLine(line)
	if !ok {
		return nil, ErrNotRule
	}
	if len(parts) < 2 {
		return nil, ErrBadFormat("sid-msg")
	}

	sid, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return nil, ErrBadFormat("sid-msg")
	}

	sm := &SidMessage{SID: sid, Message: parts[1]}
	for _, ref := range parts[2:] {
		typ, value, found := strings.Cut(ref, ",")
		if !found {
			return nil, ErrBadFormat("sid-msg reference")
		}
		sm.References = append(sm.References, Reference{
			Type:  strings.TrimSpace(typ),
			Value: strings.TrimSpace(value),
		})
	}
	return sm, nil
}

// splitMapLine splits a "||"-delimited map line. The first field must be
// numeric for the line to count as an entry at all.
func splitMapLine(line string) ([]string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return nil, false
	}

	parts := strings.Split(line, mapSeparator)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if _, err := strconv.ParseUint(parts[0], 10, 64); err != nil {
		return nil, false
	}
	return parts, true
}
