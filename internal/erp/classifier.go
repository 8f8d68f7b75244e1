package erp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"
)

// Classifier decides whether a ledger response body describes a successful
// posting. Field names are matched case-insensitively in the configured
// order; among keys that fold to the same name an exact match wins, then the
// first in byte order. A response that carries no document number is never
// successful.
type Classifier struct {
	DocNumberFields []string `yaml:"doc_number_fields"`
	ErrorFields     []string `yaml:"error_fields"`
	StatusFields    []string `yaml:"status_fields"`
	MessageFields   []string `yaml:"message_fields"`
	FailureStatuses []string `yaml:"failure_statuses"`
	SuccessStatuses []string `yaml:"success_statuses"`
}

// DefaultClassifier covers the response shapes seen across ledger versions.
func DefaultClassifier() Classifier {
	return Classifier{
		DocNumberFields: []string{"docnum", "transferNumber", "docNumber", "documentNumber", "adjNumber"},
		ErrorFields:     []string{"errors", "error", "errorMessages"},
		StatusFields:    []string{"status", "result"},
		MessageFields:   []string{"message", "dbMessages", "messages"},
		FailureStatuses: []string{"error", "failed", "failure", "false"},
	}
}

// LoadClassifier reads classification rules from a YAML file. Lists left
// empty in the file keep their defaults.
func LoadClassifier(path string) (Classifier, error) {
	base := DefaultClassifier()
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Classifier{}, fmt.Errorf("erp: read classifier rules: %w", err)
	}
	var rules Classifier
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Classifier{}, fmt.Errorf("erp: parse classifier rules: %w", err)
	}
	return base.merge(rules), nil
}

func (c Classifier) merge(override Classifier) Classifier {
	pick := func(a, b []string) []string {
		if len(b) > 0 {
			return b
		}
		return a
	}
	return Classifier{
		DocNumberFields: pick(c.DocNumberFields, override.DocNumberFields),
		ErrorFields:     pick(c.ErrorFields, override.ErrorFields),
		StatusFields:    pick(c.StatusFields, override.StatusFields),
		MessageFields:   pick(c.MessageFields, override.MessageFields),
		FailureStatuses: pick(c.FailureStatuses, override.FailureStatuses),
		SuccessStatuses: pick(c.SuccessStatuses, override.SuccessStatuses),
	}
}

// Outcome is the classified content of a response body.
type Outcome struct {
	Success   bool
	DocNumber string
	Status    string
	Message   string
	Errors    []string
}

// fold builds a fresh Caser per call; Casers carry state and Classify runs
// on concurrent requests.
func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

// Classify inspects a raw response body.
func (c Classifier) Classify(body []byte) Outcome {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Outcome{Errors: []string{"external ledger returned an empty response"}}
	}
	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil || doc == nil {
		return Outcome{
			Message: string(trimmed),
			Errors:  []string{"external ledger returned a malformed response"},
		}
	}
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	folded := make([]string, len(keys))
	for i, k := range keys {
		folded[i] = fold(k)
	}
	// An exact key match wins; otherwise the first folded match in byte order.
	lookup := func(names []string) (any, bool) {
		for _, name := range names {
			if v := doc[name]; v != nil {
				return v, true
			}
			want := fold(name)
			for i, k := range keys {
				if folded[i] == want && doc[k] != nil {
					return doc[k], true
				}
			}
		}
		return nil, false
	}

	var out Outcome
	if v, ok := lookup(c.DocNumberFields); ok {
		out.DocNumber = scalarString(v)
	}
	if v, ok := lookup(c.StatusFields); ok {
		out.Status = scalarString(v)
	}
	if v, ok := lookup(c.MessageFields); ok {
		out.Message = strings.Join(stringList(v), "; ")
	}
	if v, ok := lookup(c.ErrorFields); ok {
		out.Errors = stringList(v)
	}

	out.Success = out.DocNumber != "" && len(out.Errors) == 0 && c.statusAccepted(out.Status)
	if !out.Success && len(out.Errors) == 0 && out.Status != "" && !c.statusAccepted(out.Status) {
		msg := out.Message
		if msg == "" {
			msg = "external ledger reported status " + out.Status
		}
		out.Errors = []string{msg}
	}
	return out
}

func (c Classifier) statusAccepted(status string) bool {
	if status == "" {
		return true
	}
	s := fold(status)
	for _, f := range c.FailureStatuses {
		if fold(f) == s {
			return false
		}
	}
	if len(c.SuccessStatuses) == 0 {
		return true
	}
	for _, ok := range c.SuccessStatuses {
		if fold(ok) == s {
			return true
		}
	}
	return false
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		raw, _ := json.Marshal(t)
		return string(raw)
	}
}

func stringList(v any) []string {
	var out []string
	appendOne := func(item any) {
		switch t := item.(type) {
		case map[string]any:
			for _, key := range []string{"message", "Message", "error", "description"} {
				if msg, ok := t[key]; ok {
					if s := scalarString(msg); s != "" {
						out = append(out, s)
						return
					}
				}
			}
			if s := scalarString(t); s != "" && s != "{}" {
				out = append(out, s)
			}
		default:
			if s := scalarString(t); s != "" {
				out = append(out, s)
			}
		}
	}
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			appendOne(item)
		}
	default:
		appendOne(t)
	}
	return out
}
