// Package i18n looks up localized lines by dotted key and fills ":name"
// placeholders.
//
// Locale files are YAML documents named <lang>.yaml whose nested maps are
// flattened to dotted keys:
//
//	mails:
//	  default:
//	    salutation: "Regards,\n:appName"
//
// becomes "mails.default.salutation". English lines are built in; files in
// the configured directory override or extend them.
package i18n

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	yaml "go.yaml.in/yaml/v3"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed locales/*.yaml
var builtin embed.FS

// Translator is safe for concurrent use.
type Translator struct {
	mu      sync.RWMutex
	def     string
	lines   map[string]map[string]string
	tags    []language.Tag
	matcher language.Matcher
	upper   cases.Caser
}

// New returns a Translator holding the built-in locales, with def as the
// fallback language ("en" when empty).
func New(def string) *Translator {
	def = normalizeLang(def)
	if def == "" {
		def = "en"
	}
	t := &Translator{
		def:   def,
		lines: map[string]map[string]string{},
		upper: cases.Upper(language.Und),
	}
	entries, _ := builtin.ReadDir("locales")
	for _, e := range entries {
		b, err := builtin.ReadFile("locales/" + e.Name())
		if err != nil {
			continue
		}
		if lines, err := parseLocale(b); err == nil {
			t.Add(strings.TrimSuffix(e.Name(), ".yaml"), lines)
		}
	}
	return t
}

// Load is New plus every <lang>.yaml / <lang>.yml file in dir. An empty dir
// loads only the built-in locales.
func Load(dir, def string) (*Translator, error) {
	t := New(def)
	if strings.TrimSpace(dir) == "" {
		return t, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("i18n: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("i18n: %w", err)
		}
		lines, err := parseLocale(b)
		if err != nil {
			return nil, fmt.Errorf("i18n: %s: %w", e.Name(), err)
		}
		t.Add(strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())), lines)
	}
	return t, nil
}

// Add merges lines into lang, overriding existing keys.
func (t *Translator) Add(lang string, lines map[string]string) {
	lang = normalizeLang(lang)
	if lang == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.lines[lang]
	if m == nil {
		m = make(map[string]string, len(lines))
		t.lines[lang] = m
	}
	for k, v := range lines {
		m[k] = v
	}
	t.rebuildMatcherLocked()
}

func (t *Translator) rebuildMatcherLocked() {
	langs := make([]string, 0, len(t.lines))
	for l := range t.lines {
		if l != t.def {
			langs = append(langs, l)
		}
	}
	sort.Strings(langs)
	// The first tag is the matcher's fallback.
	tags := []language.Tag{language.Make(t.def)}
	for _, l := range langs {
		tags = append(tags, language.Make(l))
	}
	t.tags = tags
	t.matcher = language.NewMatcher(tags)
}

// Default returns the fallback language.
func (t *Translator) Default() string { return t.def }

// Languages returns the loaded languages, sorted.
func (t *Translator) Languages() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.lines))
	for l := range t.lines {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Match picks the best loaded language for an Accept-Language style list
// ("id-ID,id;q=0.9,en;q=0.8"). It returns the default language when nothing
// matches or the header is malformed.
func (t *Translator) Match(accept string) string {
	prefs, _, err := language.ParseAcceptLanguage(accept)
	if err != nil || len(prefs) == 0 {
		return t.def
	}
	t.mu.RLock()
	matcher, tags := t.matcher, t.tags
	t.mu.RUnlock()
	if matcher == nil {
		return t.def
	}
	_, idx, conf := matcher.Match(prefs...)
	if conf == language.No || idx < 0 || idx >= len(tags) {
		return t.def
	}
	base, _ := tags[idx].Base()
	return base.String()
}

// Translate looks key up in the default language.
func (t *Translator) Translate(key string, subs map[string]string) string {
	return t.TranslateIn(t.def, key, subs)
}

// TranslateIn looks key up in lang, then the default language. A missing key
// is returned as-is (after substitution).
func (t *Translator) TranslateIn(lang, key string, subs map[string]string) string {
	line, ok := t.lookup(normalizeLang(lang), key)
	if !ok {
		line, ok = t.lookup(t.def, key)
	}
	if !ok {
		line = key
	}
	return t.replace(line, subs)
}

func (t *Translator) lookup(lang, key string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m := t.lines[lang]
	if m == nil {
		return "", false
	}
	v, ok := m[key]
	return v, ok
}

// replace fills ":name", ":Name" and ":NAME" placeholders. Longer names are
// replaced first so ":appName" is not clobbered by ":app".
func (t *Translator) replace(line string, subs map[string]string) string {
	if len(subs) == 0 || !strings.Contains(line, ":") {
		return line
	}
	keys := make([]string, 0, len(subs))
	for k := range subs {
		if k != "" {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	pairs := make([]string, 0, len(keys)*6)
	for _, k := range keys {
		v := subs[k]
		pairs = append(pairs,
			":"+t.upper.String(k), t.upper.String(v),
			":"+ucfirst(k), ucfirst(v),
			":"+k, v,
		)
	}
	return strings.NewReplacer(pairs...).Replace(line)
}

func ucfirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func normalizeLang(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return ""
	}
	tag, err := language.Parse(lang)
	if err != nil {
		return strings.ToLower(lang)
	}
	base, _ := tag.Base()
	return base.String()
}

func parseLocale(b []byte) (map[string]string, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	out := map[string]string{}
	flatten("", raw, out)
	return out, nil
}

func flatten(prefix string, in map[string]any, out map[string]string) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch x := v.(type) {
		case map[string]any:
			flatten(key, x, out)
		case nil:
			out[key] = ""
		default:
			out[key] = fmt.Sprint(x)
		}
	}
}
