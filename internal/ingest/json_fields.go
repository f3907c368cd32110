package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// multilingual decodes text fields that upstream APIs send either as a
// plain string, a list, or a language-keyed map of strings or lists.
type multilingual map[string]string

func (m *multilingual) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*m = nil
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = multilingual{"": s}
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*m = multilingual{"": strings.Join(list, ", ")}
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("multilingual field: %w", err)
	}
	out := make(multilingual, len(raw))
	for lang, v := range raw {
		var text stringList
		if err := json.Unmarshal(v, &text); err != nil {
			return fmt.Errorf("multilingual field %s: %w", lang, err)
		}
		out[strings.ToUpper(lang)] = strings.Join(text, ", ")
	}
	*m = out
	return nil
}

// pick returns the text in lang, then English, then the first language
// in sorted order.
func (m multilingual) pick(lang string) string {
	if len(m) == 0 {
		return ""
	}
	for _, key := range []string{strings.ToUpper(lang), "ENG", "EN", ""} {
		if v, ok := m[key]; ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.TrimSpace(m[k]) != "" {
			return m[k]
		}
	}
	return ""
}

// stringList accepts a single string or a list of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if data[0] == '[' {
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*l = list
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*l = stringList{s}
	return nil
}

// flexString accepts identifiers sent as strings or numbers.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("identifier: %w", err)
	}
	*f = flexString(n.String())
	return nil
}

// amount accepts a JSON number or a formatted string such as "1.250.000,00".
type amount struct {
	Value *float64
}

func (a *amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		a.Value = nil
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			a.Value = nil
			return nil
		}
		v, err := parseAmount(s)
		if err != nil {
			return err
		}
		a.Value = &v
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	a.Value = &v
	return nil
}
