package state

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Settings keys with special handling.
const (
	KeyProvider      = "AI_PROVIDER"
	KeyModelFast     = "MODEL_FAST"
	KeyModelDefault  = "MODEL_DEFAULT"
	KeyModelThinking = "MODEL_THINKING"

	appSettingsKey = "_app_settings"
)

// botOnlyKeys never leak from the global map into a bot's merged settings;
// they only apply from that bot's own overrides.
var botOnlyKeys = []string{"BOT_NAME", "BOT_PERSONALITY", "bot_name", "bot_personality"}

// providerModelDefaults is the fallback per provider when a configured model
// is missing or incompatible with the provider's naming scheme.
var providerModelDefaults = map[string]map[string]string{
	"anthropic": {
		KeyModelFast:     "claude-3-5-haiku-latest",
		KeyModelDefault:  "claude-sonnet-4-0",
		KeyModelThinking: "claude-opus-4-0",
	},
	"openai": {
		KeyModelFast:     "gpt-4o-mini",
		KeyModelDefault:  "gpt-4o",
		KeyModelThinking: "o3",
	},
	"gemini": {
		KeyModelFast:     "gemini-2.0-flash",
		KeyModelDefault:  "gemini-2.5-flash",
		KeyModelThinking: "gemini-2.5-pro",
	},
	"openrouter": {
		KeyModelFast:     "anthropic/claude-3.5-haiku",
		KeyModelDefault:  "anthropic/claude-sonnet-4",
		KeyModelThinking: "openai/o3",
	},
}

// SimulatorSettings is the shell-pushed configuration: one flat global map
// plus per-bot overrides keyed by bot id (the wire's _app_settings submap).
type SimulatorSettings struct {
	Global map[string]string            `json:"global"`
	PerApp map[string]map[string]string `json:"per_app"`
}

func NewSimulatorSettings() *SimulatorSettings {
	return &SimulatorSettings{
		Global: make(map[string]string),
		PerApp: make(map[string]map[string]string),
	}
}

// DecodeSettings splits the wire object into the global map and the
// _app_settings submap. Non-string scalars are stringified; nested objects
// outside _app_settings are rejected.
func DecodeSettings(raw []byte) (*SimulatorSettings, error) {
	var wire map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	out := NewSimulatorSettings()
	for k, v := range wire {
		if k == appSettingsKey {
			var apps map[string]map[string]string
			if err := json.Unmarshal(v, &apps); err != nil {
				return nil, fmt.Errorf("decode %s: %w", appSettingsKey, err)
			}
			out.PerApp = apps
			continue
		}
		s, err := stringifyScalar(v)
		if err != nil {
			return nil, fmt.Errorf("setting %q: %w", k, err)
		}
		out.Global[k] = s
	}
	return out, nil
}

func stringifyScalar(raw json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("expected scalar, got %T", v)
	}
}

// SetSettings replaces the pushed settings. The returned changed flag is
// false for the very first push; the gateway uses it to decide whether to
// bounce connected bots.
func (s *State) SetSettings(settings *SimulatorSettings) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	first := !s.settingsPushed
	changed = !first && !reflect.DeepEqual(s.settings, settings)
	s.settings = settings
	s.settingsPushed = true
	return changed
}

// Settings snapshots the current pushed settings.
func (s *State) Settings() *SimulatorSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// GetSettingsForBot merges the global map (minus bot-identity keys) with the
// bot's own overrides and normalizes model names for the selected provider.
func (s *State) GetSettingsForBot(botID string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	merged := make(map[string]string, len(s.settings.Global))
	for k, v := range s.settings.Global {
		merged[k] = v
	}
	for _, k := range botOnlyKeys {
		delete(merged, k)
	}
	for k, v := range s.settings.PerApp[botID] {
		merged[k] = v
	}
	normalizeModels(merged)
	return merged
}

// normalizeModels enforces provider/model compatibility: slash-qualified
// model ids belong to openrouter only, bare ids to every other provider.
// Incompatible or missing values fall back to the provider's default.
func normalizeModels(settings map[string]string) {
	provider := settings[KeyProvider]
	defaults := providerModelDefaults[provider]
	for _, key := range []string{KeyModelFast, KeyModelDefault, KeyModelThinking} {
		model := settings[key]
		if model != "" && modelCompatible(provider, model) {
			continue
		}
		if def, ok := defaults[key]; ok {
			settings[key] = def
		} else if model != "" && !modelCompatible(provider, model) {
			delete(settings, key)
		}
	}
}

func modelCompatible(provider, model string) bool {
	slashed := strings.Contains(model, "/")
	if provider == "openrouter" {
		return slashed
	}
	return !slashed
}
