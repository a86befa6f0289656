// Package psparse decodes JSON output produced by remote PowerShell commands
// and classifies the error text Exchange Online returns on failure.
package psparse

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	mboxerrors "github.com/mboxkit/mboxkit/pkg/errors"
)

// ParseObject decodes output expected to contain a single object. Array
// output collapses to its first element; empty output returns nil.
func ParseObject(output string) (map[string]any, error) {
	objects, err := ParseObjects(output)
	if err != nil {
		return nil, err
	}
	if len(objects) == 0 {
		return nil, nil
	}
	return objects[0], nil
}

// ParseObjects decodes output into an ordered sequence of objects. A single
// JSON object becomes a one-element slice; empty output an empty slice.
func ParseObjects(output string) ([]map[string]any, error) {
	cleaned := cleanOutput(output)
	if cleaned == "" {
		return []map[string]any{}, nil
	}

	var raw any
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, mboxerrors.NewParseError(formatJSONError(cleaned, err), cleaned, err)
	}

	switch value := raw.(type) {
	case map[string]any:
		return []map[string]any{value}, nil
	case []any:
		objects := make([]map[string]any, 0, len(value))
		for _, item := range value {
			if obj, ok := item.(map[string]any); ok {
				objects = append(objects, obj)
			}
		}
		return objects, nil
	default:
		// Primitive output wraps into a single-field object.
		return []map[string]any{{"value": value}}, nil
	}
}

// cleanOutput strips banner, progress, and warning lines that PowerShell
// interleaves with JSON.
func cleanOutput(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	cleaned := make([]string, 0, len(lines))

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "WARNING:") || strings.HasPrefix(trimmed, "VERBOSE:") {
			continue
		}
		if strings.Contains(trimmed, "Exchange Online PowerShell") {
			continue
		}
		cleaned = append(cleaned, line)
	}

	return strings.TrimSpace(strings.Join(cleaned, "\n"))
}

func formatJSONError(payload string, err error) string {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		line := 1 + strings.Count(payload[:min(int(syntaxErr.Offset), len(payload))], "\n")
		return fmt.Sprintf("JSON parse error at line %d: %v", line, err)
	}
	return fmt.Sprintf("JSON parse error: %v", err)
}

// ErrorKind is a coarse classification of remote error text.
type ErrorKind string

const (
	ErrorKindUnknown          ErrorKind = "unknown"
	ErrorKindThrottling       ErrorKind = "throttling"
	ErrorKindSessionExpired   ErrorKind = "session_expired"
	ErrorKindAuthentication   ErrorKind = "authentication"
	ErrorKindNotFound         ErrorKind = "not_found"
	ErrorKindInvalidOperation ErrorKind = "invalid_operation"
	ErrorKindHold             ErrorKind = "hold_error"
	ErrorKindConnection       ErrorKind = "connection"
)

type errorRule struct {
	pattern  *regexp.Regexp
	kind     ErrorKind
	friendly string
}

var errorRules = []errorRule{
	{regexp.MustCompile(`(?i)throttl`), ErrorKindThrottling, "Request throttled. Please wait before retrying."},
	{regexp.MustCompile(`(?i)session.*(expired|closed|invalid)`), ErrorKindSessionExpired, "Exchange Online session has expired. Reconnection required."},
	{regexp.MustCompile(`(?i)(unauthorized|authentication|access.denied)`), ErrorKindAuthentication, "Authentication failed or access denied."},
	{regexp.MustCompile(`(?i)(couldn't be found|does not exist|not found)`), ErrorKindNotFound, "The requested mailbox or resource was not found."},
	{regexp.MustCompile(`(?i)(invalid.operation|cannot.perform|not.allowed)`), ErrorKindInvalidOperation, "The requested operation is not valid for this mailbox."},
	{regexp.MustCompile(`(?i)(hold|retention|litigation)`), ErrorKindHold, "Operation blocked due to hold or retention policy."},
	{regexp.MustCompile(`(?i)(connection|network|timeout)`), ErrorKindConnection, "Connection or network error occurred."},
}

var xmlMessagePattern = regexp.MustCompile(`(?s)<Message>(.*?)</Message>`)

// ErrorDetails is the structured view of a remote error message.
type ErrorDetails struct {
	Raw      string
	Kind     ErrorKind
	Message  string
	Embedded string
}

// ClassifyError maps raw remote error text onto a known error kind with a
// friendlier message. First matching rule wins.
func ClassifyError(errorOutput string) ErrorDetails {
	details := ErrorDetails{
		Raw:     errorOutput,
		Kind:    ErrorKindUnknown,
		Message: errorOutput,
	}
	if errorOutput == "" {
		return details
	}

	for _, rule := range errorRules {
		if rule.pattern.MatchString(errorOutput) {
			details.Kind = rule.kind
			details.Message = rule.friendly
			break
		}
	}

	if match := xmlMessagePattern.FindStringSubmatch(errorOutput); match != nil {
		details.Embedded = strings.TrimSpace(match[1])
	}

	return details
}

var (
	bytesPattern = regexp.MustCompile(`(?i)\(([0-9,]+)\s*bytes?\)`)
	sizePattern  = regexp.MustCompile(`(?i)^([0-9.]+)\s*(B|KB|MB|GB|TB)`)
)

// ParseSize parses Exchange size strings such as
// "1.5 GB (1,610,612,736 bytes)" into a byte count. Returns 0, false when
// the string is unrecognized.
func ParseSize(sizeStr string) (int64, bool) {
	if sizeStr == "" {
		return 0, false
	}

	if match := bytesPattern.FindStringSubmatch(sizeStr); match != nil {
		digits := strings.ReplaceAll(match[1], ",", "")
		if value, err := strconv.ParseInt(digits, 10, 64); err == nil {
			return value, true
		}
	}

	if match := sizePattern.FindStringSubmatch(sizeStr); match != nil {
		value, err := strconv.ParseFloat(match[1], 64)
		if err != nil {
			return 0, false
		}
		multipliers := map[string]float64{
			"B":  1,
			"KB": 1 << 10,
			"MB": 1 << 20,
			"GB": 1 << 30,
			"TB": 1 << 40,
		}
		if mult, ok := multipliers[strings.ToUpper(match[2])]; ok {
			return int64(value * mult), true
		}
	}

	return 0, false
}

// HoldType identifies the origin of an in-place hold GUID.
type HoldType string

const (
	HoldTypeUnknown         HoldType = "unknown"
	HoldTypeEDiscovery      HoldType = "ediscovery"
	HoldTypeMailbox         HoldType = "mailbox"
	HoldTypeSkype           HoldType = "skype"
	HoldTypeCloud           HoldType = "cloud"
	HoldTypeGroup           HoldType = "group"
	HoldTypeRetentionPolicy HoldType = "retention_policy"
)

// Hold pairs a raw hold identifier with its classified type.
type Hold struct {
	ID   string
	Type HoldType
}

// ClassifyHolds maps in-place hold identifiers onto hold types using the
// fixed Exchange prefix convention (UniH, mbx, skp, cld, grp). Bare GUIDs
// classify as retention policies.
func ClassifyHolds(holdIDs []string) []Hold {
	holds := make([]Hold, 0, len(holdIDs))
	for _, id := range holdIDs {
		if id == "" {
			continue
		}

		hold := Hold{ID: id, Type: HoldTypeUnknown}
		switch {
		case strings.HasPrefix(id, "UniH"):
			hold.Type = HoldTypeEDiscovery
		case strings.HasPrefix(id, "mbx"):
			hold.Type = HoldTypeMailbox
		case strings.HasPrefix(id, "skp"):
			hold.Type = HoldTypeSkype
		case strings.HasPrefix(id, "cld"):
			hold.Type = HoldTypeCloud
		case strings.HasPrefix(id, "grp"):
			hold.Type = HoldTypeGroup
		case len(id) == 36 && strings.Contains(id, "-"):
			hold.Type = HoldTypeRetentionPolicy
		}
		holds = append(holds, hold)
	}
	return holds
}

// SnakeCase converts a PascalCase remote property name to snake_case for
// flat projections ("TotalItemSize" -> "total_item_size"). Acronym runs
// stay together ("UPNSuffix" -> "upn_suffix").
func SnakeCase(name string) string {
	if name == "" {
		return ""
	}
	runes := []rune(name)
	var b strings.Builder
	b.Grow(len(runes) + 4)
	for i, r := range runes {
		if r >= 'A' && r <= 'Z' {
			prevLower := i > 0 && runes[i-1] >= 'a' && runes[i-1] <= 'z'
			nextLower := i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z'
			if i > 0 && (prevLower || (nextLower && runes[i-1] != '_')) {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// StringField fetches a string value from a decoded object, tolerating
// missing keys and non-string values.
func StringField(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := data[key]; ok {
			switch typed := value.(type) {
			case string:
				if typed != "" {
					return typed
				}
			case float64:
				return strconv.FormatFloat(typed, 'f', -1, 64)
			}
		}
	}
	return ""
}

// BoolField fetches a boolean value from a decoded object.
func BoolField(data map[string]any, keys ...string) bool {
	for _, key := range keys {
		if value, ok := data[key]; ok {
			if typed, ok := value.(bool); ok {
				return typed
			}
		}
	}
	return false
}

// FloatField fetches a numeric value from a decoded object; JSON numbers
// and numeric strings both parse.
func FloatField(data map[string]any, keys ...string) float64 {
	for _, key := range keys {
		if value, ok := data[key]; ok {
			switch typed := value.(type) {
			case float64:
				return typed
			case string:
				if parsed, err := strconv.ParseFloat(typed, 64); err == nil {
					return parsed
				}
			}
		}
	}
	return 0
}

// StringsField fetches a string-list value; a bare string becomes a
// single-element list, mirroring PowerShell's scalar-or-array JSON output.
func StringsField(data map[string]any, keys ...string) []string {
	for _, key := range keys {
		value, ok := data[key]
		if !ok || value == nil {
			continue
		}
		switch typed := value.(type) {
		case string:
			if typed == "" {
				return nil
			}
			return []string{typed}
		case []any:
			out := make([]string, 0, len(typed))
			for _, item := range typed {
				if s, ok := item.(string); ok && s != "" {
					out = append(out, s)
				}
			}
			return out
		}
	}
	return nil
}
