package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/streamsale/internal/events"
	"github.com/roach88/streamsale/internal/ir"
)

// marshalAttrs converts event attributes to canonical JSON TEXT.
func marshalAttrs(attrs map[string]any) (string, error) {
	if attrs == nil {
		attrs = map[string]any{}
	}
	data, err := ir.MarshalCanonical(attrs)
	if err != nil {
		return "", fmt.Errorf("marshal attrs: %w", err)
	}
	return string(data), nil
}

// unmarshalAttrs parses stored attributes. Numbers decode as json.Number so
// large integers keep their precision.
func unmarshalAttrs(data string) (map[string]any, error) {
	attrs := map[string]any{}
	if data == "" || data == "{}" {
		return attrs, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	if err := dec.Decode(&attrs); err != nil {
		return nil, fmt.Errorf("unmarshal attrs: %w", err)
	}
	return attrs, nil
}

// marshalTerms stores a terms tuple in the same shape as its event attrs.
func marshalTerms(t ir.Terms) (string, error) {
	data, err := ir.MarshalCanonical(events.TermsAttrs(t))
	if err != nil {
		return "", fmt.Errorf("marshal terms: %w", err)
	}
	return string(data), nil
}

func unmarshalTerms(data string) (ir.Terms, error) {
	var t ir.Terms
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return ir.Terms{}, fmt.Errorf("unmarshal terms: %w", err)
	}
	return t, nil
}
