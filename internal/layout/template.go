package layout

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"
)

// TemplateError reports a malformed or unknown-variable template. It is
// returned at compile time so a bad template is rejected before any I/O.
type TemplateError struct {
	Template string
	Detail   string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("path template %q: %s", e.Template, e.Detail)
}

// Presets map short layout names to full template strings.
var Presets = map[string]string{
	"default": "$folder/$yyyy/$mm/$dd/${hhmmss}_${sha8}_${subj}.eml",
	"flat":    "$folder/${sha8}_${subj}.eml",
	"monthly": "$folder/$yyyy/$mm/${sha8}_${subj}.eml",
	"daily":   "$folder/$yyyy/$mm/$dd/${sha8}_${subj}.eml",
	"compact": "$folder/$yyyy$mm$dd_${sha8}.eml",
	"hash2":   "$folder/${sha2}/${sha8}_${subj}.eml",
	"verbose": "$folder/$yyyy/$mm/$dd/${hhmm}_${from}_${subj}_${sha8}.eml",
}

// ResolvePreset expands a preset name to its template string. Anything
// that is not a preset name is assumed to already be a template.
func ResolvePreset(layout string) string {
	if t, ok := Presets[layout]; ok {
		return t
	}
	return layout
}

// TemplateVars carries the message metadata a template may reference.
type TemplateVars struct {
	Folder  string
	Digest  Address
	Date    time.Time
	Subject string
	From    string
}

// segment is one compiled piece of a template: either literal text or a
// variable reference.
type segment struct {
	literal  string
	variable string
}

// Template renders message metadata to a relative archive path. Compile
// validates every variable name, so Render cannot fail.
type Template struct {
	source   string
	segments []segment

	// Only the folder variable can render to more than one path
	// component, so the component counts around it are fixed at
	// compile time and folder recovery from a rendered path is exact.
	hasFolder  bool
	prefixDirs int
	suffixDirs int
}

var varNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*`)

// CompileTemplate parses a template string (or preset name) into a
// renderer. Unknown variable names are rejected here, not at render
// time, and the filename must end in ".eml": enumeration keys on that
// suffix, so a file stored without it would be invisible to every
// read path.
func CompileTemplate(spec string) (*Template, error) {
	source := ResolvePreset(spec)
	t := &Template{source: source}

	rest := source
	for len(rest) > 0 {
		dollar := strings.IndexByte(rest, '$')
		if dollar < 0 {
			t.segments = append(t.segments, segment{literal: rest})
			break
		}
		if dollar > 0 {
			t.segments = append(t.segments, segment{literal: rest[:dollar]})
		}
		rest = rest[dollar+1:]

		var name string
		switch {
		case strings.HasPrefix(rest, "$"):
			// "$$" is a literal dollar sign.
			t.segments = append(t.segments, segment{literal: "$"})
			rest = rest[1:]
			continue
		case strings.HasPrefix(rest, "{"):
			end := strings.IndexByte(rest, '}')
			if end < 0 {
				return nil, &TemplateError{Template: source, Detail: "unterminated ${...}"}
			}
			name = rest[1:end]
			rest = rest[end+1:]
		default:
			name = varNamePattern.FindString(rest)
			if name == "" {
				return nil, &TemplateError{Template: source, Detail: "dangling '$'"}
			}
			rest = rest[len(name):]
		}

		if !knownVariable(name) {
			return nil, &TemplateError{
				Template: source,
				Detail:   fmt.Sprintf("unknown variable %q", name),
			}
		}
		t.segments = append(t.segments, segment{variable: name})
	}

	if n := len(t.segments); n == 0 || t.segments[n-1].variable != "" ||
		!strings.HasSuffix(t.segments[n-1].literal, ".eml") {
		return nil, &TemplateError{Template: source, Detail: `must end in ".eml"`}
	}

	for _, seg := range t.segments {
		if seg.variable == "folder" && !t.hasFolder {
			t.hasFolder = true
			continue
		}
		slashes := strings.Count(seg.literal, "/")
		if t.hasFolder {
			t.suffixDirs += slashes
		} else {
			t.prefixDirs += slashes
		}
	}

	return t, nil
}

// MustCompileTemplate is CompileTemplate for known-good template strings.
func MustCompileTemplate(spec string) *Template {
	t, err := CompileTemplate(spec)
	if err != nil {
		panic(err)
	}
	return t
}

// Source returns the resolved template string.
func (t *Template) Source() string { return t.source }

// Render maps message metadata to a relative path. Rendering is pure: the
// same vars always yield the same path. Variable values are sanitized so
// a hostile subject or sender can never escape the archive root.
func (t *Template) Render(vars TemplateVars) string {
	var b strings.Builder
	for _, seg := range t.segments {
		if seg.variable == "" {
			b.WriteString(seg.literal)
			continue
		}
		b.WriteString(renderVariable(seg.variable, vars))
	}
	return path.Clean(b.String())
}

// FolderFromPath recovers the folder from a rendered slash-separated
// relative path. The template fixes how many components sit before and
// after the folder, so a folder that happens to look like a date or
// hash shard is never misread.
func (t *Template) FolderFromPath(rel string) string {
	if !t.hasFolder {
		return "INBOX"
	}
	parts := strings.Split(rel, "/")
	if len(parts) <= t.prefixDirs+t.suffixDirs {
		return "INBOX"
	}
	return strings.Join(parts[t.prefixDirs:len(parts)-t.suffixDirs], "/")
}

func knownVariable(name string) bool {
	switch name {
	case "folder",
		"yyyy", "yy", "mm", "dd", "hh", "min", "ss", "hhmm", "hhmmss",
		"sha", "sha2", "sha8", "sha16",
		"subj", "subj10", "subj20", "subj40", "subj60",
		"from", "from10", "from30":
		return true
	}
	return false
}

func renderVariable(name string, vars TemplateVars) string {
	// Zero dates render as the Unix epoch: deterministic, and undated
	// messages cluster in one visible place instead of scattering by
	// wall clock.
	date := vars.Date
	if date.IsZero() {
		date = time.Unix(0, 0).UTC()
	}

	switch name {
	case "folder":
		return sanitizeFolder(vars.Folder)
	case "yyyy":
		return date.Format("2006")
	case "yy":
		return date.Format("06")
	case "mm":
		return date.Format("01")
	case "dd":
		return date.Format("02")
	case "hh":
		return date.Format("15")
	case "min":
		return date.Format("04")
	case "ss":
		return date.Format("05")
	case "hhmm":
		return date.Format("1504")
	case "hhmmss":
		return date.Format("150405")
	case "sha":
		return vars.Digest.String()
	case "sha2":
		return vars.Digest.Short(2)
	case "sha8":
		return vars.Digest.Short(8)
	case "sha16":
		return vars.Digest.Short(16)
	case "subj":
		return sanitizeComponent(vars.Subject, 30)
	case "subj10":
		return sanitizeComponent(vars.Subject, 10)
	case "subj20":
		return sanitizeComponent(vars.Subject, 20)
	case "subj40":
		return sanitizeComponent(vars.Subject, 40)
	case "subj60":
		return sanitizeComponent(vars.Subject, 60)
	case "from":
		return sanitizeComponent(localPart(vars.From), 20)
	case "from10":
		return sanitizeComponent(localPart(vars.From), 10)
	case "from30":
		return sanitizeComponent(localPart(vars.From), 30)
	}
	// Unreachable: compile rejects unknown names.
	return ""
}

var (
	replyPrefixes   = []string{"re:", "fwd:", "fw:"}
	nonAlnumPattern = regexp.MustCompile(`[^a-z0-9]+`)
)

// sanitizeComponent makes a string safe as a single path component:
// lowercase, reply prefixes stripped, non-alphanumeric runs collapsed to
// one underscore, trimmed, length-capped. Never returns an empty string
// and never contains a path separator.
func sanitizeComponent(s string, maxLen int) string {
	s = strings.ToLower(strings.TrimSpace(s))

	for stripped := true; stripped; {
		stripped = false
		for _, p := range replyPrefixes {
			if strings.HasPrefix(s, p) {
				s = strings.TrimSpace(s[len(p):])
				stripped = true
			}
		}
	}

	s = nonAlnumPattern.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > maxLen {
		s = strings.TrimRight(s[:maxLen], "_")
	}
	if s == "" {
		return "_"
	}
	return s
}

// sanitizeFolder keeps a folder's internal hierarchy ("Work/Reports") but
// drops empty, ".", and ".." segments so the rendered path stays inside
// the archive root.
func sanitizeFolder(folder string) string {
	parts := strings.Split(folder, "/")
	kept := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || p == "." || p == ".." {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == 0 {
		return "_"
	}
	return strings.Join(kept, "/")
}

func localPart(addr string) string {
	if at := strings.IndexByte(addr, '@'); at > 0 {
		return addr[:at]
	}
	return addr
}
