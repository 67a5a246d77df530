package inspector

import (
	"encoding/json"
	"fmt"
)

// BuildScript formats a script template. Every argument is JSON encoded
// before substitution into a %s verb, so values arrive in page context as
// literals and can never break out of the surrounding expression.
func BuildScript(format string, args ...any) (string, error) {
	encoded := make([]any, len(args))
	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return "", fmt.Errorf("script argument %d: %w", i, err)
		}
		encoded[i] = string(data)
	}
	return fmt.Sprintf(format, encoded...), nil
}

const (
	localStorageDumpScript = `(() => {
  const out = {};
  for (let i = 0; i < localStorage.length; i++) {
    const key = localStorage.key(i);
    out[key] = localStorage.getItem(key);
  }
  return out;
})()`
	localStorageSetScript   = `localStorage.setItem(%s, %s)`
	localStorageClearScript = `localStorage.clear()`
)

// storageValue converts a value to the string localStorage will hold. Strings
// are stored as-is, anything else as its JSON text.
func storageValue(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case json.RawMessage:
		return string(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}
