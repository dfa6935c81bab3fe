// Package feed implements the candidate path: polling the external notice
// listing, normalising raw notices, the idempotency gate and the ingest run.
package feed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// RawNotice is one record of the external listing as received. Every field
// is optional; Normalize supplies defaults. Field names follow the upstream
// opportunities API.
type RawNotice struct {
	NoticeID           string   `json:"noticeId"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	NAICSCode          string   `json:"naicsCode"`
	Issuer             string   `json:"fullParentPathCode"`
	ResponseDeadline   string   `json:"responseDeadLine"`
	SetAside           string   `json:"typeOfSetAside"`
	Type               string   `json:"type"`
	SolicitationNumber string   `json:"solicitationNumber"`
	Active             string   `json:"active"`
	Requirements       []string `json:"requirements"`
	Keywords           []string `json:"keywords"`
}

// UnmarshalJSON accepts any JSON object. Scalars of the wrong type are
// converted to their text form (a numeric naicsCode becomes "541511");
// objects and arrays where a string is expected become "". Only a record
// that is not an object at all is an error.
func (n *RawNotice) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return fmt.Errorf("notice is not a JSON object: %w", err)
	}
	*n = RawNotice{
		NoticeID:           looseString(fields["noticeId"]),
		Title:              looseString(fields["title"]),
		Description:        looseString(fields["description"]),
		NAICSCode:          looseString(fields["naicsCode"]),
		Issuer:             looseString(fields["fullParentPathCode"]),
		ResponseDeadline:   looseString(fields["responseDeadLine"]),
		SetAside:           looseString(fields["typeOfSetAside"]),
		Type:               looseString(fields["type"]),
		SolicitationNumber: looseString(fields["solicitationNumber"]),
		Active:             looseString(fields["active"]),
		Requirements:       looseStrings(fields["requirements"]),
		Keywords:           looseStrings(fields["keywords"]),
	}
	return nil
}

func looseString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return scalarText(v)
}

// looseStrings accepts an array of scalars or a single comma-separated string.
func looseStrings(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s := scalarText(e); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		for _, s := range strings.Split(t, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	if s := scalarText(v); s != "" {
		return []string{s}
	}
	return nil
}

func scalarText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

// listingResponse mirrors the top-level listing JSON response. Records are
// decoded one by one so a bad record cannot take the page down with it.
type listingResponse struct {
	TotalRecords      int               `json:"totalRecords"`
	OpportunitiesData []json.RawMessage `json:"opportunitiesData"`
}
