// Package http exposes the allocation engine as a JSON API.
//
// This file implements utilities for parsing and validating request data.
// Flat bodies may be JSON or form-encoded and are read through
// RequestBodyParser; nested bodies are decoded with decodeJSON.
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"kosbudget/internal/core"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 64 << 10

// errBadRequest marks requests whose body or query could not be decoded.
var errBadRequest = errors.New("malformed request")

// RequestBodyParser handles different content types for request body parsing.
// It supports both JSON objects and form-encoded data.
type RequestBodyParser struct {
	body        []byte
	contentType string
	jsonData    map[string]interface{}
	formData    url.Values
	parsed      bool
	err         error
}

// NewRequestBodyParser creates a parser for the given request.
// It reads the body once and stores it for subsequent parsing.
func NewRequestBodyParser(r *http.Request) *RequestBodyParser {
	p := &RequestBodyParser{
		contentType: r.Header.Get("Content-Type"),
	}
	if r.Body != nil {
		p.body, p.err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if p.err == nil && len(p.body) > maxBodyBytes {
			p.err = fmt.Errorf("%w: body exceeds %d bytes", errBadRequest, maxBodyBytes)
		}
	}
	return p
}

// Parse attempts to parse the body as JSON or form data.
func (p *RequestBodyParser) Parse() error {
	if p.parsed {
		return p.err
	}
	p.parsed = true

	if p.err != nil {
		return p.err
	}

	trimmed := strings.TrimSpace(string(p.body))
	if trimmed == "" {
		p.formData = url.Values{}
		return nil
	}

	if trimmed[0] == '{' {
		p.jsonData = make(map[string]interface{})
		if err := json.Unmarshal([]byte(trimmed), &p.jsonData); err != nil {
			p.err = fmt.Errorf("%w: %v", errBadRequest, err)
			return p.err
		}
		return nil
	}

	var err error
	p.formData, err = url.ParseQuery(trimmed)
	if err != nil {
		p.err = fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return p.err
}

// Get returns a string value from the parsed data (JSON or form).
func (p *RequestBodyParser) Get(key string) string {
	if p.jsonData != nil {
		if val, ok := p.jsonData[key]; ok {
			return sanitizeInput(stringValue(val))
		}
		return ""
	}
	if p.formData != nil {
		return sanitizeInput(p.formData.Get(key))
	}
	return ""
}

// IsJSON returns true if the parsed content was JSON.
func (p *RequestBodyParser) IsJSON() bool {
	return p.jsonData != nil
}

// stringValue converts a decoded JSON scalar to its string form.
func stringValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

// ParseRating parses a 1-5 integer rating. Anything else, including
// fractional values, is core.ErrInvalidRating.
func ParseRating(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < core.MinRating || n > core.MaxRating {
		return 0, core.ErrInvalidRating
	}
	return n, nil
}

// ParseCategoryInput reads name and ratings from a parsed body. A non-empty
// name overrides the one in the body, as with path parameters.
func ParseCategoryInput(p *RequestBodyParser, name string) (core.CategoryInput, error) {
	in := core.CategoryInput{Name: name}
	if in.Name == "" {
		in.Name = p.Get("name")
	}
	return in, parseRatings(p.Get, &in)
}

func parseRatings(get func(string) string, in *core.CategoryInput) error {
	for _, f := range []struct {
		key string
		dst *int
	}{
		{"priority", &in.Priority},
		{"urgency", &in.Urgency},
		{"frequency", &in.Frequency},
		{"impact", &in.Impact},
	} {
		v, err := ParseRating(get(f.key))
		if err != nil {
			return fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = v
	}
	return nil
}

// ParseDecisionParams reads urgency, frequency and impact from a query.
func ParseDecisionParams(query url.Values) (urgency, frequency, impact int, err error) {
	if urgency, err = ParseRating(query.Get("urgency")); err != nil {
		return 0, 0, 0, fmt.Errorf("urgency: %w", err)
	}
	if frequency, err = ParseRating(query.Get("frequency")); err != nil {
		return 0, 0, 0, fmt.Errorf("frequency: %w", err)
	}
	if impact, err = ParseRating(query.Get("impact")); err != nil {
		return 0, 0, 0, fmt.Errorf("impact: %w", err)
	}
	return urgency, frequency, impact, nil
}

// previewRequest is the body of POST /api/preview.
type previewRequest struct {
	Budget     any                      `json:"budget"`
	Categories []map[string]interface{} `json:"categories"`
}

// ParsePreview decodes a preview body into a budget and category inputs.
func ParsePreview(r *http.Request) (core.Money, []core.CategoryInput, error) {
	var req previewRequest
	if err := decodeJSON(r, &req); err != nil {
		return core.Money{}, nil, err
	}
	budget, err := core.ParseAmount(stringValue(req.Budget))
	if err != nil {
		return core.Money{}, nil, fmt.Errorf("budget: %w", err)
	}

	inputs := make([]core.CategoryInput, 0, len(req.Categories))
	for i, raw := range req.Categories {
		get := func(key string) string { return sanitizeInput(stringValue(raw[key])) }
		in := core.CategoryInput{Name: get("name")}
		if err := parseRatings(get, &in); err != nil {
			return core.Money{}, nil, fmt.Errorf("categories[%d]: %w", i, err)
		}
		inputs = append(inputs, in)
	}
	return budget, inputs, nil
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return fmt.Errorf("%w: empty body", errBadRequest)
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
