package core

import "time"

// Typed readers for the free-form modules.<name>.settings maps. YAML numbers
// arrive as int or float64, durations as strings ("50ms") or nanoseconds.

func GetIntSetting(settings map[string]interface{}, key string, defaultVal int) int {
	if val, ok := settings[key]; ok {
		switch v := val.(type) {
		case int:
			return v
		case float64:
			return int(v)
		case int64:
			return int(v)
		}
	}
	return defaultVal
}

func GetBoolSetting(settings map[string]interface{}, key string, defaultVal bool) bool {
	if val, ok := settings[key]; ok {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return defaultVal
}

func GetStringSetting(settings map[string]interface{}, key string, defaultVal string) string {
	if val, ok := settings[key]; ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return defaultVal
}

func GetDurationSetting(settings map[string]interface{}, key string, defaultVal time.Duration) time.Duration {
	val, ok := settings[key]
	if !ok {
		return defaultVal
	}
	switch v := val.(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int:
		return time.Duration(v)
	case int64:
		return time.Duration(v)
	case float64:
		return time.Duration(v)
	case time.Duration:
		return v
	}
	return defaultVal
}

// GetStringMapSetting reads a nested string map, skipping non-string values.
func GetStringMapSetting(settings map[string]interface{}, key string) map[string]string {
	out := make(map[string]string)
	switch m := settings[key].(type) {
	case map[string]interface{}:
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	case map[string]string:
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
