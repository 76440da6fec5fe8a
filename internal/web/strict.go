package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// readStrictJSON reads a small JSON object from r into out. The object must
// carry exactly the given keys, each once and non-null. The returned code is
// the HTTP status to report when err is set.
func readStrictJSON(w http.ResponseWriter, r *http.Request, keys []string, out any) (int, error) {
	if ct := strings.TrimSpace(r.Header.Get("Content-Type")); ct != "application/json" {
		return http.StatusUnsupportedMediaType, errors.New("content-type must be application/json")
	}
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("read failed: %w", err)
	}
	if err := decodeStrict(body, keys, out); err != nil {
		return http.StatusBadRequest, err
	}
	return http.StatusOK, nil
}

func decodeStrict(body []byte, keys []string, out any) error {
	allowed := make(map[string]bool, len(keys))
	for _, k := range keys {
		allowed[k] = true
	}
	seen := make(map[string]bool, len(keys))

	// Token pass: object shape, unknown and duplicate keys, nulls.
	dec := json.NewDecoder(bytes.NewReader(body))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.New("invalid json: expected object")
	}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return fmt.Errorf("invalid json: %w", err)
		}
		key, _ := kt.(string)
		switch {
		case !allowed[key]:
			return fmt.Errorf("invalid json: unknown key %q", key)
		case seen[key]:
			return fmt.Errorf("invalid json: duplicate key %q", key)
		}
		seen[key] = true

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("invalid json: %w", err)
		}
		if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return fmt.Errorf("invalid json: %q cannot be null", key)
		}
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("invalid json: trailing data")
	}
	for _, k := range keys {
		if !seen[k] {
			return fmt.Errorf("invalid json: missing required key %q", k)
		}
	}

	typed := json.NewDecoder(bytes.NewReader(body))
	typed.DisallowUnknownFields()
	if err := typed.Decode(out); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}
