package pipeline

import (
	"regexp"
	"sort"
	"strings"

	"retailwatch/internal/config"
	"retailwatch/pkg/models"
)

// severityBase is the fixed per-type starting severity. Modifier keyword
// lists are configuration, but this table and the 1..5 clamp are part of
// the scoring contract and stay compiled in.
var severityBase = map[string]int{
	models.TypeTheft:     2,
	models.TypeBurglary:  3,
	models.TypeRobbery:   4,
	models.TypeAssault:   4,
	models.TypeORC:       4,
	models.TypeSmashGrab: 4,
	models.TypeFraud:     2,
	models.TypeVandalism: 2,
	models.TypeWeapons:   5,
	models.TypeDrugs:     2,
	models.TypeOther:     1,
}

var canonicalTypes = map[string]bool{
	models.TypeTheft: true, models.TypeRobbery: true, models.TypeBurglary: true,
	models.TypeAssault: true, models.TypeORC: true, models.TypeSmashGrab: true,
	models.TypeFraud: true, models.TypeVandalism: true, models.TypeWeapons: true,
	models.TypeDrugs: true, models.TypeOther: true,
}

type typeRule struct {
	typ      string
	keywords []string
}

type retailerPattern struct {
	name string
	re   *regexp.Regexp
}

// Classifier derives incident type, severity, retailer mentions, and
// (for news text) a best-effort location. It is a pure function of its
// input and the configured rule tables; identical input always yields an
// identical result.
type Classifier struct {
	rules       []typeRule
	weapon      []string
	violence    []string
	coordinated []string
	retailers   []retailerPattern
	cities      map[string]config.CityLocation
	cityOrder   []string // sorted, keeps extraction deterministic
	states      map[string]string
	stateOrder  []string
	categories  map[string]map[string]string // source id -> raw category -> type
}

func NewClassifier(cfg config.ClassifierConfig, sources []config.SourceConfig) *Classifier {
	c := &Classifier{
		weapon:      lowerTerms(cfg.WeaponTerms),
		violence:    lowerTerms(cfg.ViolenceTerms),
		coordinated: lowerTerms(cfg.CoordinatedTerms),
		cities:      make(map[string]config.CityLocation, len(cfg.Cities)),
		states:      make(map[string]string, len(cfg.States)),
		categories:  make(map[string]map[string]string, len(sources)),
	}

	for _, r := range cfg.TypeRules {
		typ := strings.ToLower(strings.TrimSpace(r.Type))
		if !canonicalTypes[typ] {
			typ = models.TypeOther
		}
		c.rules = append(c.rules, typeRule{typ: typ, keywords: lowerTerms(r.Keywords)})
	}

	for _, name := range cfg.Retailers {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		// word-boundary match so "Target" does not fire on "targeted"
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`)
		if err != nil {
			continue
		}
		c.retailers = append(c.retailers, retailerPattern{name: name, re: re})
	}

	for city, loc := range cfg.Cities {
		c.cities[strings.ToLower(city)] = loc
	}
	for city := range c.cities {
		c.cityOrder = append(c.cityOrder, city)
	}
	sort.Strings(c.cityOrder)
	for state, code := range cfg.States {
		c.states[strings.ToLower(state)] = code
	}
	for state := range c.states {
		c.stateOrder = append(c.stateOrder, state)
	}
	sort.Strings(c.stateOrder)

	for _, s := range sources {
		if len(s.CategoryMap) == 0 {
			continue
		}
		m := make(map[string]string, len(s.CategoryMap))
		for raw, typ := range s.CategoryMap {
			typ = strings.ToLower(strings.TrimSpace(typ))
			if !canonicalTypes[typ] {
				typ = models.TypeOther
			}
			m[strings.ToLower(strings.TrimSpace(raw))] = typ
		}
		c.categories[s.ID] = m
	}
	return c
}

// Classify returns the incident with type, severity, and retailer
// mentions populated. The input is taken by value and not mutated.
func (c *Classifier) Classify(inc models.Incident) models.Incident {
	text := strings.ToLower(inc.Title + " " + inc.Description)

	inc.Type = c.assignType(inc, text)
	inc.Severity = c.scoreSeverity(inc.Type, text)
	inc.Retailers = c.findRetailers(inc.Title + " " + inc.Description)

	if inc.SourceKind != models.KindCityAPI && inc.City == "" && inc.StateProvince == "" {
		c.extractLocation(&inc, text)
	}
	return inc
}

func (c *Classifier) assignType(inc models.Incident, text string) string {
	if inc.RawCategory != "" {
		if m := c.categories[inc.SourceID]; m != nil {
			if typ, ok := m[strings.ToLower(strings.TrimSpace(inc.RawCategory))]; ok {
				return typ
			}
		}
		// no direct mapping: fold the category through the keyword rules
		text = strings.ToLower(inc.RawCategory) + " " + text
	}
	for _, r := range c.rules {
		for _, kw := range r.keywords {
			// whole-word only: "orc" must not fire on "enforcement"
			if containsWord(text, kw) {
				return r.typ
			}
		}
	}
	return models.TypeOther
}

func (c *Classifier) scoreSeverity(typ, text string) int {
	score, ok := severityBase[typ]
	if !ok {
		score = severityBase[models.TypeOther]
	}
	if containsAny(text, c.weapon) {
		score++
	}
	if containsAny(text, c.violence) {
		score++
	}
	if containsAny(text, c.coordinated) {
		score++
	}
	return clampSeverity(score)
}

func clampSeverity(s int) int {
	if s < 1 {
		return 1
	}
	if s > 5 {
		return 5
	}
	return s
}

func (c *Classifier) findRetailers(text string) []string {
	var found []string
	for _, r := range c.retailers {
		if r.re.MatchString(text) {
			found = append(found, r.name)
		}
	}
	sort.Strings(found)
	return found
}

// extractLocation scans news text against the city and state tables.
// Cities are checked first (more specific); a miss leaves the location
// empty, which is a valid outcome for wire stories.
func (c *Classifier) extractLocation(inc *models.Incident, text string) {
	for _, city := range c.cityOrder {
		if containsWord(text, city) {
			loc := c.cities[city]
			inc.City = titleCase(city)
			inc.StateProvince = loc.StateProvince
			inc.Country = loc.Country
			inc.CountryCode = loc.CountryCode
			return
		}
	}
	for _, state := range c.stateOrder {
		if containsWord(text, state) {
			inc.StateProvince = titleCase(state)
			inc.Country = "United States"
			inc.CountryCode = c.states[state]
			return
		}
	}
}

// containsAny matches terms on word boundaries, so the coordinated term
// "ring" stays quiet on "bring" or "during". Multi-word terms work: the
// boundary check applies at the ends of the whole phrase.
func containsAny(text string, terms []string) bool {
	for _, t := range terms {
		if containsWord(text, t) {
			return true
		}
	}
	return false
}

func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordChar(text[start-1])
		afterOK := end == len(text) || !isWordChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

func lowerTerms(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
