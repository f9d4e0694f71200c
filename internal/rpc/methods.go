package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/0x4d31/rulesync/internal/hierarchy"
	"github.com/0x4d31/rulesync/internal/rules"
	"github.com/0x4d31/rulesync/internal/session"
	"github.com/0x4d31/rulesync/internal/state"
)

type authResult struct {
	Status   bool   `json:"status"`
	Token    string `json:"token"`
	SensorID uint64 `json:"sensorID"`
}

func (s *Server) authenticate(_ context.Context, params []json.RawMessage) any {
	var name, secret string
	if err := param(params, 0, "sensorName", &name); err != nil {
		return fail("%v", err)
	}
	if err := param(params, 1, "secret", &secret); err != nil {
		return fail("%v", err)
	}

	var sensor *state.Sensor
	err := s.db.View(func(tx *state.Tx) error {
		var err error
		sensor, err = tx.Sensor(name)
		return err
	})
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		slog.Error("sensor lookup failed", "sensor", name, "error", err)
		return fail("internal error")
	}

	// Unknown sensors and bad secrets look the same to the caller.
	sess, err := s.sessions.Authenticate(sensor, secret)
	if err != nil {
		slog.Info("authentication failed", "sensor", name)
		return fail("%v", session.ErrAuthFailed)
	}
	s.metrics.Sessions(s.sessions.Len())
	slog.Info("sensor authenticated", "sensor", name, "sensor_id", sess.SensorID)
	return authResult{Status: true, Token: sess.Token, SensorID: sess.SensorID}
}

func (s *Server) deAuthenticate(_ context.Context, sess session.Session, _ []json.RawMessage) any {
	s.sessions.Revoke(sess.Token)
	s.metrics.Sessions(s.sessions.Len())
	return ok{Status: true}
}

func (s *Server) ping(context.Context, session.Session, []json.RawMessage) any {
	return ok{Status: true}
}

type ruleClass struct {
	Description string `json:"description"`
	Priority    int    `json:"priority"`
}

type ruleClassesResult struct {
	Status  bool                 `json:"status"`
	Classes map[string]ruleClass `json:"classes"`
}

func (s *Server) getRuleClasses(context.Context, session.Session, []json.RawMessage) any {
	out := ruleClassesResult{Status: true, Classes: map[string]ruleClass{}}
	err := s.db.View(func(tx *state.Tx) error {
		classes, err := tx.RuleClasses()
		for _, rc := range classes {
			out.Classes[rc.Name] = ruleClass{Description: rc.Description, Priority: rc.Priority}
		}
		return err
	})
	if err != nil {
		return internalError("getRuleClasses", err)
	}
	return out
}

type generator struct {
	GID     uint32 `json:"GID"`
	AlertID uint32 `json:"alertID"`
	Message string `json:"message"`
}

type generatorsResult struct {
	Status     bool                 `json:"status"`
	Generators map[string]generator `json:"generators"`
}

func (s *Server) getGenerators(context.Context, session.Session, []json.RawMessage) any {
	out := generatorsResult{Status: true, Generators: map[string]generator{}}
	err := s.db.View(func(tx *state.Tx) error {
		gens, err := tx.Generators()
		for _, g := range gens {
			out.Generators[g.Key()] = generator{GID: g.GID, AlertID: g.AlertID, Message: g.Message}
		}
		return err
	})
	if err != nil {
		return internalError("getGenerators", err)
	}
	return out
}

type referenceType struct {
	URLPrefix string `json:"urlPrefix"`
}

type referenceTypesResult struct {
	Status bool                     `json:"status"`
	Types  map[string]referenceType `json:"types"`
}

func (s *Server) getReferenceTypes(context.Context, session.Session, []json.RawMessage) any {
	out := referenceTypesResult{Status: true, Types: map[string]referenceType{}}
	err := s.db.View(func(tx *state.Tx) error {
		types, err := tx.ReferenceTypes()
		for _, rt := range types {
			out.Types[rt.Name] = referenceType{URLPrefix: rt.URLPrefix}
		}
		return err
	})
	if err != nil {
		return internalError("getReferenceTypes", err)
	}
	return out
}

// errSensorGone marks a session whose sensor was removed after login.
var errSensorGone = errors.New("sensor no longer exists")

// sessionSensor loads the sensor a session belongs to.
func sessionSensor(tx *state.Tx, sess session.Session) (*state.Sensor, error) {
	sensor, err := tx.Sensor(sess.SensorName)
	if errors.Is(err, state.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", sess.SensorName, errSensorGone)
	}
	return sensor, err
}

// sensorView loads the calling sensor and the ruleset tree.
func sensorView(tx *state.Tx, sess session.Session) (*state.Sensor, *hierarchy.RuleSetTree, error) {
	sensor, err := sessionSensor(tx, sess)
	if err != nil {
		return nil, nil, err
	}
	sets, err := tx.RuleSets()
	if err != nil {
		return nil, nil, err
	}
	all, err := tx.Rules()
	if err != nil {
		return nil, nil, err
	}
	tree, err := hierarchy.BuildRuleSets(sets, all)
	if err != nil {
		return nil, nil, err
	}
	return sensor, tree, nil
}

type ruleSet struct {
	Description string `json:"description"`
}

type ruleSetsResult struct {
	Status bool               `json:"status"`
	Sets   map[string]ruleSet `json:"sets"`
}

func (s *Server) getRuleSets(_ context.Context, sess session.Session, _ []json.RawMessage) any {
	out := ruleSetsResult{Status: true, Sets: map[string]ruleSet{}}
	err := s.db.View(func(tx *state.Tx) error {
		sensor, tree, err := sensorView(tx, sess)
		if err != nil {
			return err
		}
		for _, rs := range tree.SensorSets(sensor) {
			out.Sets[rs.Name] = ruleSet{Description: rs.Description}
		}
		return nil
	})
	if err != nil {
		return s.callFailed("getRuleSets", sess, err)
	}
	return out
}

type revision struct {
	Rule uint64 `json:"rule"`
	Rev  uint32 `json:"rev"`
}

type revisionsResult struct {
	Status    bool                `json:"status"`
	Revisions map[string]revision `json:"revisions"`
	// Digest changes whenever any SID or revision in the manifest does, so a
	// sensor can skip the comparison when it already holds this digest.
	Digest string `json:"digest"`
}

func (s *Server) getRuleRevisions(_ context.Context, sess session.Session, _ []json.RawMessage) any {
	out := revisionsResult{Status: true, Revisions: map[string]revision{}}
	err := s.db.View(func(tx *state.Tx) error {
		sensor, tree, err := sensorView(tx, sess)
		if err != nil {
			return err
		}
		current, err := tx.CurrentRevisions()
		if err != nil {
			return err
		}

		manifest := tree.SensorRevisions(sensor, current)
		refs := make([]revision, 0, len(manifest))
		for sid, e := range manifest {
			if e.Current == nil {
				continue
			}
			refs = append(refs, revision{Rule: sid, Rev: e.Current.Rev})
		}
		sort.Slice(refs, func(i, j int) bool { return refs[i].Rule < refs[j].Rule })

		h := xxhash.New()
		for _, r := range refs {
			key := strconv.FormatUint(r.Rule, 10)
			out.Revisions[key] = r
			fmt.Fprintf(h, "%s:%d\n", key, r.Rev)
		}
		out.Digest = fmt.Sprintf("%016x", h.Sum64())
		return nil
	})
	if err != nil {
		return s.callFailed("getRuleRevisions", sess, err)
	}
	return out
}

type rule struct {
	SID             uint64                 `json:"SID"`
	Rev             uint32                 `json:"rev"`
	Msg             string                 `json:"msg"`
	Raw             string                 `json:"raw"`
	Filters         string                 `json:"filters,omitempty"`
	RuleSet         string                 `json:"ruleset"`
	RuleClass       string                 `json:"ruleclass"`
	References      []rules.Reference      `json:"references"`
	EventFilter     *state.EventFilter     `json:"eventFilter,omitempty"`
	DetectionFilter *state.DetectionFilter `json:"detectionFilter,omitempty"`
	Suppress        *state.Suppress        `json:"suppress,omitempty"`
}

type rulesResult struct {
	Status bool            `json:"status"`
	Rules  map[string]rule `json:"rules"`
}

func (s *Server) getRules(_ context.Context, sess session.Session, params []json.RawMessage) any {
	var sids []uint64
	if err := param(params, 0, "SIDList", &sids); err != nil {
		return fail("%v", err)
	}
	if len(sids) > s.maxRules {
		return fail("request too large: %d rules requested, at most %d allowed", len(sids), s.maxRules)
	}

	out := rulesResult{Status: true, Rules: make(map[string]rule, len(sids))}
	err := s.db.View(func(tx *state.Tx) error {
		sensor, err := sessionSensor(tx, sess)
		if err != nil {
			return err
		}
		chain, err := hierarchy.Ascend(sensor, tx.Sensor)
		if err != nil {
			return err
		}

		for _, sid := range sids {
			r, err := tx.Rule(sid)
			if errors.Is(err, state.ErrNotFound) {
				continue
			} else if err != nil {
				return err
			}
			rev, err := tx.CurrentRevision(sid)
			if errors.Is(err, state.ErrNotFound) {
				continue
			} else if err != nil {
				return err
			}
			o, err := hierarchy.Resolve(chain, sid, tx)
			if err != nil {
				return err
			}

			refs := rev.References
			if refs == nil {
				refs = []rules.Reference{}
			}
			out.Rules[strconv.FormatUint(sid, 10)] = rule{
				SID:             sid,
				Rev:             rev.Rev,
				Msg:             rev.Msg,
				Raw:             rev.Raw,
				Filters:         rev.Filters,
				RuleSet:         r.RuleSet,
				RuleClass:       r.RuleClass,
				References:      refs,
				EventFilter:     o.EventFilter,
				DetectionFilter: o.DetectionFilter,
				Suppress:        o.Suppress,
			}
		}
		return nil
	})
	if err != nil {
		return s.callFailed("getRules", sess, err)
	}
	return out
}

// callFailed turns a failed sensor-scoped call into its answer. A session
// whose sensor is gone is revoked and answered as unauthenticated.
func (s *Server) callFailed(method string, sess session.Session, err error) failure {
	if errors.Is(err, errSensorGone) {
		s.sessions.Revoke(sess.Token)
		s.metrics.Sessions(s.sessions.Len())
		slog.Info("session revoked, sensor removed", "sensor", sess.SensorName)
		return fail("unauthenticated: %v", err)
	}
	return internalError(method, err)
}

func internalError(method string, err error) failure {
	slog.Error("rpc call failed", "method", method, "error", err)
	if errors.Is(err, state.ErrCycle) {
		return fail("configuration error: %v", err)
	}
	return fail("internal error")
}
