package state

import (
	"fmt"
	"time"

	"github.com/0x4d31/rulesync/internal/rules"
)

// AllSensorsName is the catch-all sensor group every sensor hangs under.
const AllSensorsName = "All"

// StatusWindow is how long a sensor health check stays meaningful.
const StatusWindow = 5 * time.Minute

// Rule holds the identity of a signature. Text lives in its revisions.
type Rule struct {
	SID       uint64 `json:"sid"`
	Active    bool   `json:"active"`
	RuleSet   string `json:"ruleset"`
	RuleClass string `json:"ruleclass"`
	GID       uint32 `json:"gid"`
	AlertID   uint32 `json:"alert_id"`
}

// GeneratorKey returns the key of the generator the rule references.
func (r *Rule) GeneratorKey() string {
	return GeneratorKey(r.GID, r.AlertID)
}

// Revision is one numbered snapshot of a rule.
type Revision struct {
	SID        uint64            `json:"sid"`
	Rev        uint32            `json:"rev"`
	Raw        string            `json:"raw"`
	Msg        string            `json:"msg"`
	Active     bool              `json:"active"`
	Filters    string            `json:"filters,omitempty"`
	References []rules.Reference `json:"references,omitempty"`
	UpdateID   uint64            `json:"update_id,omitempty"`
	Created    time.Time         `json:"created"`
}

// AddReference attaches a reference unless the same (type, value) is
// already present.
func (r *Revision) AddReference(ref rules.Reference) bool {
	for _, existing := range r.References {
		if existing == ref {
			return false
		}
	}
	r.References = append(r.References, ref)
	return true
}

// RuleSet is a named group of rules. An empty Parent makes it a root.
type RuleSet struct {
	Name        string `json:"name"`
	Parent      string `json:"parent,omitempty"`
	Description string `json:"description"`
	Active      bool   `json:"active"`
}

// RuleClass is a classification from classification.config.
type RuleClass struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
}

// Generator is a gen-msg.map entry.
type Generator struct {
	GID     uint32 `json:"gid"`
	AlertID uint32 `json:"alert_id"`
	Message string `json:"message"`
}

// Key returns the "GID-alertID" identifier of the generator.
func (g *Generator) Key() string {
	return GeneratorKey(g.GID, g.AlertID)
}

// GeneratorKey formats a generator identifier.
func GeneratorKey(gid, alertID uint32) string {
	return fmt.Sprintf("%d-%d", gid, alertID)
}

// ReferenceType is an external reference kind and its URL prefix.
type ReferenceType struct {
	Name      string `json:"name"`
	URLPrefix string `json:"url_prefix"`
}

// SensorStatus is derived from a sensor's flags and last health check.
type SensorStatus int

const (
	StatusAvailable SensorStatus = iota
	StatusUnavailable
	StatusInactive
	StatusAutonomous
	StatusUnknown
)

func (s SensorStatus) String() string {
	switch s {
	case StatusAvailable:
		return "available"
	case StatusUnavailable:
		return "unavailable"
	case StatusInactive:
		return "inactive"
	case StatusAutonomous:
		return "autonomous"
	default:
		return "unknown"
	}
}

// Sensor is a remote detection engine that pulls rules.
type Sensor struct {
	ID          uint64    `json:"id"`
	Name        string    `json:"name"`
	Parent      string    `json:"parent,omitempty"`
	Active      bool      `json:"active"`
	Autonomous  bool      `json:"autonomous"`
	Address     string    `json:"address"`
	RuleSets    []string  `json:"rulesets,omitempty"`
	SecretHash  string    `json:"secret_hash,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	LastStatus  bool      `json:"last_status"`
}

// Status derives the sensor status at now.
func (s *Sensor) Status(now time.Time) SensorStatus {
	switch {
	case s.Autonomous:
		return StatusAutonomous
	case !s.Active:
		return StatusInactive
	case s.LastChecked.IsZero() || s.LastChecked.Add(StatusWindow).Before(now):
		return StatusUnknown
	case s.LastStatus:
		return StatusAvailable
	default:
		return StatusUnavailable
	}
}

// HasRuleSet reports whether the sensor subscribes to the named set.
func (s *Sensor) HasRuleSet(name string) bool {
	for _, rs := range s.RuleSets {
		if rs == name {
			return true
		}
	}
	return false
}

// Suppress silences a rule on a sensor for the given addresses.
type Suppress struct {
	Sensor    string   `json:"sensor"`
	SID       uint64   `json:"sid"`
	Track     string   `json:"track"`
	Addresses []string `json:"addresses,omitempty"`
}

// DetectionFilter sets a rate-based detection threshold for a rule.
type DetectionFilter struct {
	Sensor  string `json:"sensor"`
	SID     uint64 `json:"sid"`
	Track   string `json:"track"`
	Count   int    `json:"count"`
	Seconds int    `json:"seconds"`
}

// EventFilter limits how often a rule may alert.
type EventFilter struct {
	Sensor  string `json:"sensor"`
	SID     uint64 `json:"sid"`
	Type    string `json:"type"`
	Track   string `json:"track"`
	Count   int    `json:"count"`
	Seconds int    `json:"seconds"`
}

// Source is a remote origin of rule bundles.
type Source struct {
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	ChecksumURL  string    `json:"checksum_url,omitempty"`
	LastChecksum string    `json:"last_checksum,omitempty"`
	Schedule     string    `json:"schedule,omitempty"`
	Locked       bool      `json:"locked"`
	LockedAt     time.Time `json:"locked_at,omitempty"`
}

// RevisionRef identifies one revision touched by an update.
type RevisionRef struct {
	SID uint64 `json:"sid"`
	Rev uint32 `json:"rev"`
}

// UpdateFile records a constituent file of an update bundle.
type UpdateFile struct {
	Name     string `json:"name"`
	Checksum string `json:"checksum"`
	Parsed   bool   `json:"parsed"`
}

// LogEntry is one progress line of an update run.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Percent int       `json:"percent"`
	Text    string    `json:"text"`
}

// Update is a single ingestion run from a source.
type Update struct {
	ID        uint64        `json:"id"`
	Source    string        `json:"source"`
	Time      time.Time     `json:"time"`
	Revisions []RevisionRef `json:"revisions,omitempty"`
	Files     []UpdateFile  `json:"files,omitempty"`
	Log       []LogEntry    `json:"log,omitempty"`
}

// RuleChange is a pending move of a rule to another ruleset, found during an
// update and left for an operator to confirm.
type RuleChange struct {
	SID      uint64 `json:"sid"`
	From     string `json:"from"`
	To       string `json:"to"`
	UpdateID uint64 `json:"update_id"`
	Moved    bool   `json:"moved"`
}
