package dlp

import (
	"regexp"
	"strings"
)

type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
}

// Masker redacts secrets from audit payloads before they are persisted or
// published.
type Masker struct {
	rules     []compiledRule
	keys      map[string]string
	maxString int
}

// NewMasker compiles enabled rules. Strings longer than maxString runes are
// truncated after masking; zero disables truncation.
func NewMasker(cfg RulesConfig, maxString int) (*Masker, error) {
	m := &Masker{keys: make(map[string]string), maxString: maxString}
	for _, rule := range cfg.Rules {
		if !rule.Enabled {
			continue
		}
		for _, key := range rule.Keys {
			m.keys[strings.ToLower(key)] = rule.Mask
		}
		if rule.Pattern == "" {
			continue
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, err
		}
		m.rules = append(m.rules, compiledRule{rule: rule, re: re})
	}
	return m, nil
}

func (m *Masker) Sanitize(data map[string]interface{}) map[string]interface{} {
	if m == nil || data == nil {
		return data
	}

	copyMap := make(map[string]interface{}, len(data))
	for key, value := range data {
		copyMap[key] = m.sanitizeField(key, value)
	}
	return copyMap
}

func (m *Masker) sanitizeField(key string, value interface{}) interface{} {
	if mask, ok := m.keys[strings.ToLower(key)]; ok && value != nil {
		return mask
	}
	return m.sanitizeValue(value)
}

func (m *Masker) sanitizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return m.MaskString(v)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, nested := range v {
			out[k] = m.sanitizeField(k, nested)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, nested := range v {
			out[i] = m.sanitizeValue(nested)
		}
		return out
	case []string:
		out := make([]interface{}, len(v))
		for i, nested := range v {
			out[i] = m.MaskString(nested)
		}
		return out
	case error:
		return m.MaskString(v.Error())
	default:
		return value
	}
}

func (m *Masker) MaskString(s string) string {
	if m == nil {
		return s
	}
	for _, rule := range m.rules {
		s = rule.re.ReplaceAllString(s, rule.rule.Mask)
	}
	if m.maxString > 0 {
		runes := []rune(s)
		if len(runes) > m.maxString {
			s = string(runes[:m.maxString]) + "...(truncated)"
		}
	}
	return s
}

// MaskKey keeps a short prefix of an API key for correlation.
func MaskKey(key string) string {
	if len(key) <= 6 {
		return "***"
	}
	return key[:6] + "***"
}
