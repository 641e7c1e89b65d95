// Package lexicon holds the keyword tables that drive time-window
// resolution and entity relevance scoring, together with the text
// normalization both rely on. Tables are plain data: the built-in
// [Default] can be replaced wholesale by a YAML file so the matching
// policy can change without touching control flow.
//
// All keywords are compared against normalized text (see [Normalize]),
// so tables should be written lower-case and without diacritics.
package lexicon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode distinguishes point-in-time questions from interval questions.
type Mode string

const (
	// ModePoint asks about conditions near a single past instant.
	ModePoint Mode = "point"
	// ModeRange asks about every sample across an interval up to now.
	ModeRange Mode = "range"
)

// TimeRule maps temporal markers to a lookback. Rules are evaluated in
// slice order and the first rule with a matching keyword wins.
type TimeRule struct {
	Label    string        `yaml:"label"`
	Keywords []string      `yaml:"keywords"`
	Lookback time.Duration `yaml:"lookback"`
	Mode     Mode          `yaml:"mode"`
}

// Predicate selects entities by platform metadata. An entity satisfies
// the predicate when any one field matches.
type Predicate struct {
	Domains       []string `yaml:"domains"`
	Units         []string `yaml:"units"`
	DeviceClasses []string `yaml:"device_classes"` // substring match on device_class
	IDContains    []string `yaml:"id_contains"`
}

// Category ties natural-language keywords to an entity predicate.
type Category struct {
	Name      string    `yaml:"name"`
	Keywords  []string  `yaml:"keywords"`
	Predicate Predicate `yaml:"match"`
}

// ConfigFileRule attaches a Home Assistant configuration file, named
// relative to the config directory, when the utterance mentions one of
// the keywords.
type ConfigFileRule struct {
	File     string   `yaml:"file"`
	Keywords []string `yaml:"keywords"`
}

// Lexicon is a versioned set of matching tables.
type Lexicon struct {
	Version     string           `yaml:"version"`
	TimeRules   []TimeRule       `yaml:"time_rules"`
	Default     TimeRule         `yaml:"default_window"`
	Categories  []Category       `yaml:"categories"`
	ConfigFiles []ConfigFileRule `yaml:"config_files"`
	StopWords   []string         `yaml:"stop_words"`
	MinTokenLen int              `yaml:"min_token_len"`
}

// Default returns the built-in Greek/English tables.
func Default() *Lexicon {
	lx := &Lexicon{
		Version: "2024.3",
		TimeRules: []TimeRule{
			// "day before yesterday" must precede "yesterday": χθες is a
			// substring of προχθες.
			{Label: "day before yesterday", Keywords: []string{"προχθες", "προχτες", "day before yesterday"}, Lookback: 48 * time.Hour, Mode: ModePoint},
			{Label: "yesterday", Keywords: []string{"χθες", "χτες", "yesterday"}, Lookback: 24 * time.Hour, Mode: ModePoint},
			{Label: "week", Keywords: []string{"εβδομαδα", "βδομαδα", "week"}, Lookback: 168 * time.Hour, Mode: ModeRange},
			{Label: "month", Keywords: []string{"μηνα", "μηνας", "month"}, Lookback: 720 * time.Hour, Mode: ModeRange},
			{Label: "last hour", Keywords: []string{"τελευταια ωρα", "τελευταιας ωρας", "last hour", "past hour"}, Lookback: time.Hour, Mode: ModeRange},
			{Label: "hours", Keywords: []string{"ωρα", "ωρες", "hour"}, Lookback: 3 * time.Hour, Mode: ModeRange},
		},
		Default: TimeRule{Label: "default", Lookback: 24 * time.Hour, Mode: ModePoint},
		Categories: []Category{
			{
				Name:     "temperature",
				Keywords: []string{"θερμοκρασ", "ζεστ", "κρυο", "βαθμ", "temperature", "temp", "warm", "cold", "degrees"},
				Predicate: Predicate{
					Domains:       []string{"climate"},
					Units:         []string{"°C", "°F", "C", "F"},
					DeviceClasses: []string{"temperature"},
				},
			},
			{
				Name:     "heating",
				Keywords: []string{"θερμανσ", "θερμοστατ", "καλοριφερ", "καυστηρ", "κλιματιστ", "heating", "heater", "thermostat", "boiler", "hvac", "radiator"},
				Predicate: Predicate{
					Domains:    []string{"climate", "water_heater"},
					IDContains: []string{"heat", "boiler", "thermostat"},
				},
			},
			{
				Name:      "light",
				Keywords:  []string{"φως", "φωτα", "φωτισμ", "λαμπ", "light", "lamp", "bulb"},
				Predicate: Predicate{Domains: []string{"light"}},
			},
			{
				Name:      "switch",
				Keywords:  []string{"διακοπτ", "πριζ", "switch", "plug", "outlet", "socket"},
				Predicate: Predicate{Domains: []string{"switch"}},
			},
			{
				Name:     "humidity",
				Keywords: []string{"υγρασ", "humidity", "humid"},
				Predicate: Predicate{
					DeviceClasses: []string{"humidity"},
					IDContains:    []string{"humid"},
				},
			},
			{
				Name:     "door",
				Keywords: []string{"πορτα", "παραθυρ", "ρολα", "κουρτιν", "γκαραζ", "door", "window", "cover", "blind", "shutter", "garage"},
				Predicate: Predicate{
					Domains:       []string{"cover", "lock"},
					DeviceClasses: []string{"door", "window", "garage", "opening"},
				},
			},
			{
				Name:     "power",
				Keywords: []string{"ρευμα", "καταναλωσ", "ενεργει", "ισχυ", "power", "energy", "consumption", "watt", "kwh"},
				Predicate: Predicate{
					Units:         []string{"W", "kW", "Wh", "kWh"},
					DeviceClasses: []string{"power", "energy"},
				},
			},
		},
		ConfigFiles: []ConfigFileRule{
			{File: "automations.yaml", Keywords: []string{"αυτοματισμ", "automation"}},
			{File: "scripts.yaml", Keywords: []string{"σεναρι", "script"}},
			{File: "scenes.yaml", Keywords: []string{"σκηνη", "σκηνες", "scene"}},
			{File: "configuration.yaml", Keywords: []string{"ρυθμισ", "configuration.yaml", "configuration"}},
		},
		StopWords: []string{
			"what", "when", "which", "with", "have", "from", "that", "this",
			"there", "were", "been", "does", "how", "much", "many", "about",
			"ποιο", "ποια", "ποσο", "ποση", "ποσες", "ειχαμε", "ηταν", "αυτη", "αυτο", "ειναι",
		},
		MinTokenLen: 4,
	}
	lx.normalize()
	return lx
}

// LoadFile reads a lexicon from a YAML file. Durations use Go syntax
// ("24h"). Missing sections are filled from [Default].
func LoadFile(path string) (*Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var lx Lexicon
	if err := yaml.Unmarshal(data, &lx); err != nil {
		return nil, fmt.Errorf("parse lexicon %s: %w", path, err)
	}

	def := Default()
	if len(lx.TimeRules) == 0 {
		lx.TimeRules = def.TimeRules
	}
	if lx.Default.Lookback <= 0 {
		lx.Default = def.Default
	}
	if len(lx.Categories) == 0 {
		lx.Categories = def.Categories
	}
	if lx.ConfigFiles == nil {
		lx.ConfigFiles = def.ConfigFiles
	}
	if lx.StopWords == nil {
		lx.StopWords = def.StopWords
	}
	if lx.MinTokenLen <= 0 {
		lx.MinTokenLen = def.MinTokenLen
	}
	if lx.Version == "" {
		lx.Version = "custom"
	}

	lx.normalize()
	if err := lx.validate(); err != nil {
		return nil, fmt.Errorf("lexicon %s: %w", path, err)
	}
	return &lx, nil
}

// normalize folds user-supplied keywords so they compare against
// normalized utterances.
func (lx *Lexicon) normalize() {
	for i := range lx.TimeRules {
		lx.TimeRules[i].Keywords = normalizeAll(lx.TimeRules[i].Keywords)
	}
	for i := range lx.Categories {
		lx.Categories[i].Keywords = normalizeAll(lx.Categories[i].Keywords)
	}
	for i := range lx.ConfigFiles {
		lx.ConfigFiles[i].Keywords = normalizeAll(lx.ConfigFiles[i].Keywords)
	}
	lx.StopWords = normalizeAll(lx.StopWords)
}

func (lx *Lexicon) validate() error {
	for _, r := range lx.TimeRules {
		if r.Lookback <= 0 {
			return fmt.Errorf("time rule %q: lookback must be positive", r.Label)
		}
		if r.Mode != ModePoint && r.Mode != ModeRange {
			return fmt.Errorf("time rule %q: mode %q (expected point or range)", r.Label, r.Mode)
		}
	}
	if lx.Default.Mode != ModePoint && lx.Default.Mode != ModeRange {
		return fmt.Errorf("default window: mode %q", lx.Default.Mode)
	}
	for _, r := range lx.ConfigFiles {
		if !filepath.IsLocal(r.File) {
			return fmt.Errorf("config file %q: must be a relative path inside the config directory", r.File)
		}
	}
	return nil
}

// IsStopWord reports whether a normalized token is on the stop list.
func (lx *Lexicon) IsStopWord(tok string) bool {
	for _, s := range lx.StopWords {
		if s == tok {
			return true
		}
	}
	return false
}

// ContainsAny reports whether normalized text contains any keyword.
func ContainsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func normalizeAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if n := Normalize(s); n != "" {
			out = append(out, n)
		}
	}
	return out
}
