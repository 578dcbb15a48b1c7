package tools

import "fmt"

// Argument extraction helpers. JSON decoding hands every number over
// as float64, so the int helper asserts accordingly.

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok && v != ""
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}

func boolArg(args map[string]any, key string) (bool, bool) {
	v, ok := args[key].(bool)
	return v, ok
}

// clampInt bounds n to [min, max].
func clampInt(n, min, max int) int {
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

// requireString fetches a non-empty string argument or errors.
func requireString(args map[string]any, key string) (string, error) {
	v, ok := stringArg(args, key)
	if !ok {
		return "", fmt.Errorf("argument %q must be a non-empty string", key)
	}
	return v, nil
}
