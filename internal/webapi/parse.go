package webapi

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
)

const maxBodyBytes = 32 << 20 // uploads arrive inline as data URLs

// Token prefixes accepted on the platform surface. The bot id is the suffix
// after the prefix: xoxb-myBot identifies bot "myBot".
var tokenPrefixes = []string{"xoxb-", "xoxp-"}

// parseBody reads a platform request body into a loose map. JSON bodies
// decode directly; form-encoded bodies keep strings except values that look
// like JSON arrays or objects, which are parsed the way the upstream wire
// format requires.
func parseBody(r *http.Request) (map[string]any, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "json"):
		data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if len(data) == 0 {
			return map[string]any{}, nil
		}
		var body map[string]any
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		return body, nil
	case ct == "application/x-www-form-urlencoded" || ct == "":
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("parse form: %w", err)
		}
		body := make(map[string]any, len(r.Form))
		for k, vs := range r.Form {
			if len(vs) == 0 {
				continue
			}
			body[k] = formValue(vs[0])
		}
		return body, nil
	default:
		return nil, fmt.Errorf("unsupported content type %q", ct)
	}
}

// formValue parses form fields that carry embedded JSON (blocks, view
// payloads); everything else stays a string.
func formValue(v string) any {
	t := strings.TrimSpace(v)
	if strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[") {
		var parsed any
		if err := json.Unmarshal([]byte(t), &parsed); err == nil {
			return parsed
		}
	}
	return v
}

// extractToken pulls the bearer token from the Authorization header or the
// form token field.
func extractToken(r *http.Request, body map[string]any) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if t, ok := body["token"].(string); ok {
		return t
	}
	return ""
}

// botIDFromToken strips the recognized prefix and returns the remainder as
// the bot id.
func botIDFromToken(token string) (string, bool) {
	for _, p := range tokenPrefixes {
		if strings.HasPrefix(token, p) {
			return strings.TrimPrefix(token, p), true
		}
	}
	return "", false
}

func stringField(body map[string]any, key string) string {
	if v, ok := body[key].(string); ok {
		return v
	}
	return ""
}

func intField(body map[string]any, key string, def int) int {
	switch v := body[key].(type) {
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func boolField(body map[string]any, key string) bool {
	switch v := body[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	}
	return false
}

func mapField(body map[string]any, key string) map[string]any {
	if v, ok := body[key].(map[string]any); ok {
		return v
	}
	return nil
}

func sliceField(body map[string]any, key string) []any {
	if v, ok := body[key].([]any); ok {
		return v
	}
	return nil
}
