// Copyright 2026 Changkun Ou. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package monsched

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// BoostPriority is the priority from which a monitor with a boost interval
// is refreshed at that interval.
const BoostPriority = 10

// Monitor is a recurring watch over one or more marketplaces.
type Monitor struct {
	ID                 string
	UserID             string
	Name               string
	Query              string
	Marketplaces       []string
	RefreshIntervalSec int
	BoostIntervalSec   *int
	IsEnabled          bool
	Priority           int
	// Tier names the billing plan whose limits apply to the monitor's user.
	Tier          string
	NextRefreshAt time.Time
	LastRefreshAt time.Time
}

// Boosted reports whether the monitor refreshes at its boost interval.
func (m Monitor) Boosted() bool {
	return m.Priority >= BoostPriority && m.BoostIntervalSec != nil
}

// EffectiveInterval is the boost interval of a boosted monitor and the
// refresh interval otherwise.
func (m Monitor) EffectiveInterval() time.Duration {
	if m.Boosted() {
		return time.Duration(*m.BoostIntervalSec) * time.Second
	}
	return time.Duration(m.RefreshIntervalSec) * time.Second
}

// Fields encodes the monitor as a job hash payload with canonical field names.
func (m Monitor) Fields() map[string]string {
	mps, _ := json.Marshal(m.Marketplaces) // []string always marshals
	f := map[string]string{
		"id":                 m.ID,
		"userId":             m.UserID,
		"name":               m.Name,
		"query":              m.Query,
		"marketplaces":       string(mps),
		"refreshIntervalSec": strconv.Itoa(m.RefreshIntervalSec),
		"isEnabled":          strconv.FormatBool(m.IsEnabled),
		"priority":           strconv.Itoa(m.Priority),
	}
	if m.BoostIntervalSec != nil {
		f["boostIntervalSec"] = strconv.Itoa(*m.BoostIntervalSec)
	}
	if m.Tier != "" {
		f["tier"] = m.Tier
	}
	if !m.NextRefreshAt.IsZero() {
		f["nextRefreshAt"] = formatTime(m.NextRefreshAt)
	}
	if !m.LastRefreshAt.IsZero() {
		f["lastRefreshAt"] = formatTime(m.LastRefreshAt)
	}
	return f
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ValidationCode enumerates why a payload field was rejected.
type ValidationCode string

// Validation codes.
const (
	CodeMissing   ValidationCode = "missing"
	CodeInvalid   ValidationCode = "invalid"
	CodeMalformed ValidationCode = "malformed"
)

// ValidationError names the payload field that failed normalization.
type ValidationError struct {
	Field  string
	Code   ValidationCode
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("monsched: %s %s", e.Code, e.Field)
	}
	return fmt.Sprintf("monsched: %s %s: %s", e.Code, e.Field, e.Detail)
}

// fieldAliases lists the accepted names of every monitor field, canonical
// name first. Legacy writers used snake_case or older names.
//
//	canonical            aliases
//	id                   monitorId, monitor_id
//	userId               user_id
//	name                 -
//	query                searchQuery, search_query
//	marketplaces         marketplace, sites
//	refreshIntervalSec   refresh_interval_sec, refreshInterval, refresh_interval
//	boostIntervalSec     boost_interval_sec
//	isEnabled            is_enabled, enabled
//	priority             -
//	isBoosted            is_boosted, boosted, boost
//	tier                 plan
//	nextRefreshAt        next_refresh_at
//	lastRefreshAt        last_refresh_at
var fieldAliases = map[string][]string{
	"id":                 {"id", "monitorId", "monitor_id"},
	"userId":             {"userId", "user_id"},
	"name":               {"name"},
	"query":              {"query", "searchQuery", "search_query"},
	"marketplaces":       {"marketplaces", "marketplace", "sites"},
	"refreshIntervalSec": {"refreshIntervalSec", "refresh_interval_sec", "refreshInterval", "refresh_interval"},
	"boostIntervalSec":   {"boostIntervalSec", "boost_interval_sec"},
	"isEnabled":          {"isEnabled", "is_enabled", "enabled"},
	"priority":           {"priority"},
	"isBoosted":          {"isBoosted", "is_boosted", "boosted", "boost"},
	"tier":               {"tier", "plan"},
	"nextRefreshAt":      {"nextRefreshAt", "next_refresh_at"},
	"lastRefreshAt":      {"lastRefreshAt", "last_refresh_at"},
}

// envelopeFields may carry the whole monitor as a JSON object.
var envelopeFields = []string{"data", "payload"}

// NormalizeMonitor turns a loosely typed payload into a Monitor.
//
// raw may be a JSON document (string or []byte), a job hash
// (map[string]string) or a decoded object (map[string]any). Hash and object
// payloads may wrap the monitor in a "data" or "payload" field, top level
// fields override the wrapped ones. boostIntervalSec is used for monitors
// flagged as boosted without their own boost interval.
//
// The returned error is always a *ValidationError.
func NormalizeMonitor(raw any, boostIntervalSec int) (Monitor, error) {
	fields, err := payloadFields(raw)
	if err != nil {
		return Monitor{}, err
	}
	var m Monitor

	m.ID, _ = asString(lookup(fields, "id"))
	m.Name, _ = asString(lookup(fields, "name"))
	m.Tier, _ = asString(lookup(fields, "tier"))

	userID, ok := asString(lookup(fields, "userId"))
	if !ok || userID == "" {
		return Monitor{}, &ValidationError{Field: "userId", Code: CodeMissing}
	}
	m.UserID = userID

	v := lookup(fields, "refreshIntervalSec")
	if v == nil {
		return Monitor{}, &ValidationError{Field: "refreshIntervalSec", Code: CodeMissing}
	}
	interval, ok := asFloat(v)
	if !ok || math.IsInf(interval, 0) || interval <= 0 {
		return Monitor{}, &ValidationError{Field: "refreshIntervalSec", Code: CodeInvalid, Detail: fmt.Sprintf("%v", v)}
	}
	m.RefreshIntervalSec = seconds(interval)

	query, _ := asString(lookup(fields, "query"))
	if strings.TrimSpace(query) == "" {
		return Monitor{}, &ValidationError{Field: "query", Code: CodeMissing}
	}
	m.Query = query

	m.Marketplaces, err = asMarketplaces(lookup(fields, "marketplaces"))
	if err != nil {
		return Monitor{}, err
	}

	m.IsEnabled = true
	if v := lookup(fields, "isEnabled"); v != nil {
		enabled, ok := asBool(v)
		if !ok {
			return Monitor{}, &ValidationError{Field: "isEnabled", Code: CodeInvalid, Detail: fmt.Sprintf("%v", v)}
		}
		m.IsEnabled = enabled
	}

	if v := lookup(fields, "priority"); v != nil {
		p, ok := asFloat(v)
		if !ok || math.IsInf(p, 0) {
			return Monitor{}, &ValidationError{Field: "priority", Code: CodeInvalid, Detail: fmt.Sprintf("%v", v)}
		}
		m.Priority = int(math.Max(math.MinInt32, math.Min(p, math.MaxInt32)))
	}

	if v := lookup(fields, "boostIntervalSec"); v != nil {
		b, ok := asFloat(v)
		if !ok || math.IsInf(b, 0) || b <= 0 {
			return Monitor{}, &ValidationError{Field: "boostIntervalSec", Code: CodeInvalid, Detail: fmt.Sprintf("%v", v)}
		}
		sec := seconds(b)
		m.BoostIntervalSec = &sec
	}

	if v := lookup(fields, "isBoosted"); v != nil {
		if boost, ok := asBool(v); ok && boost {
			if m.Priority < BoostPriority {
				m.Priority = BoostPriority
			}
			if m.BoostIntervalSec == nil && boostIntervalSec > 0 {
				sec := boostIntervalSec
				m.BoostIntervalSec = &sec
			}
		}
	}

	if v := lookup(fields, "nextRefreshAt"); v != nil {
		m.NextRefreshAt, _ = asTime(v)
	}
	if v := lookup(fields, "lastRefreshAt"); v != nil {
		m.LastRefreshAt, _ = asTime(v)
	}
	return m, nil
}

// seconds rounds a positive interval up to whole seconds.
func seconds(f float64) int {
	if f > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(math.Ceil(f))
}

func payloadFields(raw any) (map[string]any, error) {
	var fields map[string]any
	switch v := raw.(type) {
	case nil:
		return nil, &ValidationError{Field: "payload", Code: CodeMissing}
	case string:
		return decodeObject([]byte(v))
	case []byte:
		return decodeObject(v)
	case map[string]string:
		fields = make(map[string]any, len(v))
		for k, s := range v {
			fields[k] = s
		}
	case map[string]any:
		fields = make(map[string]any, len(v))
		for k, x := range v {
			fields[k] = x
		}
	default:
		return nil, &ValidationError{Field: "payload", Code: CodeMalformed, Detail: fmt.Sprintf("unsupported type %T", raw)}
	}
	if len(fields) == 0 {
		return nil, &ValidationError{Field: "payload", Code: CodeMissing}
	}

	for _, name := range envelopeFields {
		inner, ok := fields[name]
		if !ok {
			continue
		}
		var wrapped map[string]any
		switch x := inner.(type) {
		case map[string]any:
			wrapped = x
		case string:
			obj, err := decodeObject([]byte(x))
			if err != nil {
				return nil, &ValidationError{Field: name, Code: CodeMalformed, Detail: err.Error()}
			}
			wrapped = obj
		default:
			continue
		}
		delete(fields, name)
		for k, x := range wrapped {
			if _, ok := fields[k]; !ok {
				fields[k] = x
			}
		}
	}
	return fields, nil
}

func decodeObject(data []byte) (map[string]any, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, &ValidationError{Field: "payload", Code: CodeMissing}
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, &ValidationError{Field: "payload", Code: CodeMalformed, Detail: err.Error()}
	}
	if len(obj) == 0 {
		return nil, &ValidationError{Field: "payload", Code: CodeMissing}
	}
	return obj, nil
}

// lookup returns the first non-null value stored under any alias of field.
func lookup(fields map[string]any, field string) any {
	for _, name := range fieldAliases[field] {
		if v, ok := fields[name]; ok && v != nil {
			return v
		}
	}
	return nil
}

func asString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case json.Number:
		return x.String(), true
	}
	return "", false
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, !math.IsNaN(x)
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil && !math.IsNaN(f)
	}
	return 0, false
}

func asBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case float64:
		return x != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "1", "yes", "on":
			return true, true
		case "false", "0", "no", "off", "":
			return false, true
		}
	}
	return false, false
}

// asTime accepts RFC 3339 strings and unix milliseconds.
func asTime(v any) (time.Time, bool) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), true
		}
	}
	if ms, ok := asFloat(v); ok && !math.IsInf(ms, 0) {
		return time.UnixMilli(int64(ms)).UTC(), true
	}
	return time.Time{}, false
}

// asMarketplaces accepts a list, a JSON array string or a single name.
func asMarketplaces(v any) ([]string, error) {
	var names []string
	switch x := v.(type) {
	case nil:
		return nil, &ValidationError{Field: "marketplaces", Code: CodeMissing}
	case []string:
		names = x
	case []any:
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, &ValidationError{Field: "marketplaces", Code: CodeInvalid, Detail: fmt.Sprintf("non-string entry %v", item)}
			}
			names = append(names, s)
		}
	case string:
		s := strings.TrimSpace(x)
		if strings.HasPrefix(s, "[") {
			if err := json.Unmarshal([]byte(s), &names); err != nil {
				return nil, &ValidationError{Field: "marketplaces", Code: CodeInvalid, Detail: err.Error()}
			}
		} else if s != "" {
			names = []string{s}
		}
	default:
		return nil, &ValidationError{Field: "marketplaces", Code: CodeInvalid, Detail: fmt.Sprintf("unsupported type %T", v)}
	}

	out := make([]string, 0, len(names))
	seen := map[string]bool{}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		// run lock keys join the monitor id and the marketplace with ':'
		if strings.Contains(n, ":") {
			return nil, &ValidationError{Field: "marketplaces", Code: CodeInvalid, Detail: fmt.Sprintf("%q contains ':'", n)}
		}
		seen[n] = true
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, &ValidationError{Field: "marketplaces", Code: CodeMissing, Detail: "empty list"}
	}
	return out, nil
}
