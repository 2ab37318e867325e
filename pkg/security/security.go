package security

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

// Limits
const (
	// MaxNameLength bounds lane, worker, job and actor names.
	MaxNameLength = 255

	// MaxAttempts is the hard limit for a unit's attempt budget.
	MaxAttempts = 100

	// MaxChunks is the most units one submission may create.
	MaxChunks = 10000

	// MaxErrorMessageLength is the maximum length for stored error messages.
	MaxErrorMessageLength = 4096

	// MaxLogMessageLength bounds a worker log event.
	MaxLogMessageLength = 8192

	// MaxMapEntries bounds outputs, tags and log context maps.
	MaxMapEntries = 64

	// MaxMapValueLength bounds each value in those maps.
	MaxMapValueLength = 2048

	// MaxAddressLength bounds a worker's advertised address.
	MaxAddressLength = 512
)

// validName matches alphanumerics plus hyphens, underscores, dots and colons,
// starting with an alphanumeric.
var validName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_\-\.:]*$`)

// ValidationError lists every rejected field with a reason.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := slices.Sorted(maps.Keys(e.Fields))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Validator collects field errors. The zero value is ready to use.
type Validator struct {
	fields map[string]string
}

// Check records msg for field unless ok. The first message per field wins.
func (v *Validator) Check(ok bool, field, msg string) {
	if ok {
		return
	}
	if v.fields == nil {
		v.fields = make(map[string]string)
	}
	if _, exists := v.fields[field]; !exists {
		v.fields[field] = msg
	}
}

// Required rejects an empty value.
func (v *Validator) Required(field, value string) {
	v.Check(strings.TrimSpace(value) != "", field, "is required")
}

// Name validates an identifier. Empty values are accepted unless required.
func (v *Validator) Name(field, value string, required bool) {
	if value == "" {
		if required {
			v.Check(false, field, "is required")
		}
		return
	}
	v.Check(ValidateName(value) == nil, field, fmt.Sprintf("must match %s and be at most %d characters", validName, MaxNameLength))
}

// MaxLen rejects values longer than n runes.
func (v *Validator) MaxLen(field, value string, n int) {
	v.Check(utf8.RuneCountInString(value) <= n, field, fmt.Sprintf("must be at most %d characters", n))
}

// StringMap bounds the size of a map and of each of its values.
func (v *Validator) StringMap(field string, m map[string]string) {
	v.Check(len(m) <= MaxMapEntries, field, fmt.Sprintf("must have at most %d entries", MaxMapEntries))
	for k, val := range m {
		v.Check(k != "" && utf8.RuneCountInString(k) <= MaxNameLength, field, "has an empty or oversized key")
		v.Check(utf8.RuneCountInString(val) <= MaxMapValueLength, field, fmt.Sprintf("values must be at most %d characters", MaxMapValueLength))
	}
}

// OneOf rejects values outside allowed.
func (v *Validator) OneOf(field, value string, allowed ...string) {
	v.Check(slices.Contains(allowed, value), field, "must be one of "+strings.Join(allowed, ", "))
}

// Valid reports whether no field was rejected.
func (v *Validator) Valid() bool { return len(v.fields) == 0 }

// Err returns a *ValidationError, or nil when every check passed.
func (v *Validator) Err() error {
	if v.Valid() {
		return nil
	}
	return &ValidationError{Fields: maps.Clone(v.fields)}
}

// ValidateName validates a lane, worker, job or actor name.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("name longer than %d bytes", MaxNameLength)
	}
	if !validName.MatchString(name) {
		return fmt.Errorf("name %q contains invalid characters", name)
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage.
func SanitizeErrorMessage(msg string) string {
	return sanitize(msg, MaxErrorMessageLength)
}

// SanitizeLogMessage is SanitizeErrorMessage with the log event bound.
func SanitizeLogMessage(msg string) string {
	return sanitize(msg, MaxLogMessageLength)
}

func sanitize(msg string, limit int) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()
	if utf8.RuneCountInString(result) > limit {
		runes := []rune(result)
		result = string(runes[:limit-3]) + "..."
	}
	return result
}

// ClampAttempts keeps an attempt budget within [1, MaxAttempts]. Zero means def.
func ClampAttempts(n, def int) int {
	if n == 0 {
		n = def
	}
	if n < 1 {
		return 1
	}
	if n > MaxAttempts {
		return MaxAttempts
	}
	return n
}

// ClampLease keeps a requested lease within [lo, hi]. Zero means def.
func ClampLease(d, def, lo, hi time.Duration) time.Duration {
	if d <= 0 {
		d = def
	}
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
