package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ActivityEvent is an append-only record of an actor performing an action.
type ActivityEvent struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actorId"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Detail    ActivityDetail `json:"detail"`
	Timestamp time.Time      `json:"timestamp"`
	OriginIP  string         `json:"originIp,omitempty"`
	UserAgent string         `json:"userAgent,omitempty"`
}

// ActivityDetail is the parsed form of the free-form detail payload. Only the
// fields the rule engine reads are lifted out; Raw keeps the original bytes.
// Problems lists what could not be interpreted; the event itself is kept.
type ActivityDetail struct {
	RecordCount *int            `json:"-"`
	Limit       *int            `json:"-"`
	Raw         json.RawMessage `json:"-"`
	Problems    []string        `json:"-"`
}

// RequestedVolume returns the larger of the record count and requested limit,
// and false when neither is present.
func (d ActivityDetail) RequestedVolume() (int, bool) {
	switch {
	case d.RecordCount != nil && d.Limit != nil:
		return max(*d.RecordCount, *d.Limit), true
	case d.RecordCount != nil:
		return *d.RecordCount, true
	case d.Limit != nil:
		return *d.Limit, true
	}
	return 0, false
}

// MarshalJSON writes the raw payload back out unchanged.
func (d ActivityDetail) MarshalJSON() ([]byte, error) {
	if len(d.Raw) == 0 {
		return []byte("{}"), nil
	}
	return d.Raw, nil
}

// UnmarshalJSON never fails: a payload ParseActivityDetail rejects is kept
// in Raw with its Problems recorded, so the surrounding event still decodes.
func (d *ActivityDetail) UnmarshalJSON(b []byte) error {
	parsed, _ := ParseActivityDetail(b)
	*d = parsed
	return nil
}

// ParseActivityDetail interprets a detail payload. It accepts a JSON object
// (or null/empty) and extracts recordCount/count and limit/requestedLimit,
// which may be numbers or numeric strings. The returned detail is always
// usable: malformed fields are left nil and reported both in Problems and
// in the error.
func ParseActivityDetail(raw []byte) (ActivityDetail, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ActivityDetail{}, nil
	}

	d := ActivityDetail{Raw: append(json.RawMessage(nil), trimmed...)}
	if !json.Valid(trimmed) {
		d.Raw = nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		err = fmt.Errorf("detail payload is not a JSON object: %w", err)
		d.Problems = []string{err.Error()}
		return d, err
	}

	var errs []error
	var err error
	if d.RecordCount, err = firstInt(fields, "recordCount", "count", "resultCount"); err != nil {
		errs = append(errs, err)
	}
	if d.Limit, err = firstInt(fields, "limit", "requestedLimit", "pageSize"); err != nil {
		errs = append(errs, err)
	}
	for _, e := range errs {
		d.Problems = append(d.Problems, e.Error())
	}
	return d, errors.Join(errs...)
}

func firstInt(fields map[string]json.RawMessage, keys ...string) (*int, error) {
	for _, k := range keys {
		v, ok := fields[k]
		if !ok {
			continue
		}
		n, err := parseIntValue(v)
		if err != nil {
			return nil, fmt.Errorf("detail field %q: %w", k, err)
		}
		return &n, nil
	}
	return nil, nil
}

// parseIntValue reads a JSON number or numeric string. Values beyond the
// int range saturate.
func parseIntValue(v json.RawMessage) (int, error) {
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return saturate(f)
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, fmt.Errorf("not a number: %s", string(v))
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return saturate(f)
}

func saturate(f float64) (int, error) {
	switch {
	case math.IsNaN(f):
		return 0, fmt.Errorf("not a number: NaN")
	case f >= math.MaxInt:
		return math.MaxInt, nil
	case f <= math.MinInt:
		return math.MinInt, nil
	}
	return int(f), nil
}
