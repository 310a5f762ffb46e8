package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cushionproxy/cushion/internal/config"
	"github.com/cushionproxy/cushion/internal/expr"
)

// ValidationError reports an upstream response vetoed before entering the
// cache. It does not feed backoff: the backend answered, the content was bad.
type ValidationError struct {
	URL    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("cache: response for %s rejected: %s", e.URL, e.Reason)
}

// validator applies the layered shouldCache contract: built-in content guards,
// optional per-path CEL expressions, then plugin hooks (consulted by the
// engine).
type validator struct {
	env *expr.Environment

	mu       sync.RWMutex
	programs map[string]expr.Program
}

func newValidator(env *expr.Environment) *validator {
	return &validator{env: env, programs: make(map[string]expr.Program)}
}

// setPolicies recompiles the per-path CEL programs. Expressions that fail to
// compile were already quarantined by the config loader; a failure here drops
// only that path's program.
func (v *validator) setPolicies(policies []config.URLPolicy) error {
	programs := make(map[string]expr.Program)
	var firstErr error
	for _, policy := range policies {
		trimmed := strings.TrimSpace(policy.Validate)
		if trimmed == "" {
			continue
		}
		program, err := v.env.Compile(trimmed)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		programs[policy.Path] = program
	}
	v.mu.Lock()
	v.programs = programs
	v.mu.Unlock()
	return firstErr
}

// admit checks the built-in guards and the path's CEL program. A nil return
// means the payload may be cached.
func (v *validator) admit(policy config.URLPolicy, fullURL, path string, payload []byte) error {
	switch policy.Content {
	case config.ContentJSON:
		if err := admitJSON(payload); err != nil {
			return &ValidationError{URL: fullURL, Reason: err.Error()}
		}
	case config.ContentCSV:
		if err := admitCSV(payload); err != nil {
			return &ValidationError{URL: fullURL, Reason: err.Error()}
		}
	}

	v.mu.RLock()
	program, ok := v.programs[path]
	v.mu.RUnlock()
	if !ok {
		return nil
	}
	pass, err := program.EvalBool(map[string]any{
		"path":    path,
		"payload": payloadValue(payload),
	})
	if err != nil {
		return &ValidationError{URL: fullURL, Reason: err.Error()}
	}
	if !pass {
		return &ValidationError{URL: fullURL, Reason: fmt.Sprintf("validate expression %q vetoed payload", program.Source())}
	}
	return nil
}

// admitJSON rejects payloads that are empty, the literal null, the quoted
// string "null", or anything other than a JSON object.
func admitJSON(payload []byte) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return fmt.Errorf("empty body for JSON path")
	}
	if bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte(`"null"`)) {
		return fmt.Errorf("null payload for JSON path")
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var decoded any
	if err := decoder.Decode(&decoded); err != nil {
		return fmt.Errorf("invalid JSON payload: %w", err)
	}
	if _, ok := decoded.(map[string]any); !ok {
		return fmt.Errorf("JSON payload is not an object")
	}
	return nil
}

// admitCSV rejects payloads that do not look like delimited text: the body
// must be a non-empty string with at least 4 commas.
func admitCSV(payload []byte) error {
	body := strings.TrimSpace(string(payload))
	if body == "" {
		return fmt.Errorf("empty body for CSV path")
	}
	if strings.Count(body, ",") < 4 {
		return fmt.Errorf("CSV payload has fewer than 4 commas")
	}
	return nil
}

// payloadValue decodes the payload for CEL evaluation: JSON documents become
// maps/lists/scalars, everything else stays a string.
func payloadValue(payload []byte) any {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		var decoded any
		if err := json.Unmarshal(trimmed, &decoded); err == nil {
			return decoded
		}
	}
	return string(payload)
}
