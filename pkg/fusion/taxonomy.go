package fusion

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"media-intelligence/pkg/models"
)

// Category is one practical situation and the raw classifier labels that vote for it.
type Category struct {
	Name   string   `yaml:"name"`
	Labels []string `yaml:"labels"`
}

// Taxonomy maps raw AudioSet labels onto practical situations.
type Taxonomy struct {
	categories []Category
	names      map[string]struct{}
	// exact maps a lowercased label to its situation; a label listed under
	// several situations belongs to the last one.
	exact map[string]string
	keys  []string
}

type taxonomyFile struct {
	Situations []Category `yaml:"situations"`
}

var defaultCategories = []Category{
	{Name: "airplane", Labels: []string{"Aircraft", "Fixed-wing aircraft", "Airplane", "Jet engine", "Propeller, airscrew", "Aircraft engine", "Light aircraft"}},
	{Name: "car", Labels: []string{"Vehicle", "Car", "Motor vehicle (road)", "Engine", "Traffic noise", "Road traffic", "Car horn", "Car alarm", "Idling", "Accelerating"}},
	{Name: "walking", Labels: []string{"Walk, footsteps", "Run", "Footsteps", "Gait", "Running", "Jogging", "Shuffling"}},
	{Name: "meeting", Labels: []string{"Speech", "Conversation", "Chatter", "Crowd", "Inside, public space", "Narration, monologue", "Discussion", "Debate"}},
	{Name: "office", Labels: []string{"Computer keyboard", "Typing", "Inside, small room", "Printer", "Mouse click", "Clicking", "Mechanical fan", "Air conditioning"}},
	{Name: "outdoor", Labels: []string{"Wind", "Rain", "Bird", "Outside, urban or manmade", "Outside, rural or natural", "Wind noise (microphone)", "Rustling leaves", "Rain on surface", "Thunder", "Thunderstorm", "Water", "Stream", "River"}},
	{Name: "restaurant", Labels: []string{"Dishes, pots, and pans", "Cutlery, silverware", "Restaurant", "Clinking", "Clanging", "Chopping (food)", "Sizzle", "Frying (food)"}},
	{Name: "quiet", Labels: []string{"Silence", "Inside, small room", "Quiet", "Ambient", "White noise", "Pink noise", "Room tone"}},
}

func DefaultTaxonomy() *Taxonomy {
	t, _ := NewTaxonomy(defaultCategories)
	return t
}

func NewTaxonomy(categories []Category) (*Taxonomy, error) {
	if len(categories) == 0 {
		return nil, fmt.Errorf("taxonomy has no situations")
	}
	t := &Taxonomy{
		categories: categories,
		names:      make(map[string]struct{}, len(categories)),
		exact:      make(map[string]string),
	}
	for _, c := range categories {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, fmt.Errorf("taxonomy situation without a name")
		}
		t.names[name] = struct{}{}
		for _, l := range c.Labels {
			t.exact[strings.ToLower(strings.TrimSpace(l))] = name
		}
	}
	for k := range t.exact {
		t.keys = append(t.keys, k)
	}
	sort.Strings(t.keys)
	return t, nil
}

// LoadTaxonomy reads a YAML override of the form
//
//	situations:
//	  - name: meeting
//	    labels: [Speech, Conversation]
func LoadTaxonomy(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading taxonomy %s: %w", path, err)
	}
	var f taxonomyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing taxonomy %s: %w", path, err)
	}
	return NewTaxonomy(f.Situations)
}

func (t *Taxonomy) Situations() []string {
	out := make([]string, 0, len(t.categories))
	for _, c := range t.categories {
		out = append(out, c.Name)
	}
	return out
}

// Map converts a raw label distribution into situation scores. An exact
// label match adds the full score, a substring match in either direction
// adds half, and labels that already name a situation pass through. Scores
// are capped at 1 and labels matching nothing are dropped.
func (t *Taxonomy) Map(scores map[string]float64) map[string]float64 {
	raw := make([]string, 0, len(scores))
	for l := range scores {
		raw = append(raw, l)
	}
	sort.Strings(raw)

	out := make(map[string]float64)
	for _, label := range raw {
		score := scores[label]
		if _, ok := t.names[label]; ok {
			out[label] += score
			continue
		}

		lower := strings.ToLower(strings.TrimSpace(label))
		if lower == "" {
			continue
		}
		if sit, ok := t.exact[lower]; ok {
			out[sit] += score
		}
		for _, k := range t.keys {
			if k == lower {
				continue
			}
			if strings.Contains(lower, k) || strings.Contains(k, lower) {
				out[t.exact[k]] += score * 0.5
			}
		}
	}

	for k, v := range out {
		out[k] = math.Min(v, 1)
	}
	return out
}

// MapWindows applies Map to every window, returning new windows.
func (t *Taxonomy) MapWindows(windows []models.SituationWindow) []models.SituationWindow {
	out := make([]models.SituationWindow, len(windows))
	for i, w := range windows {
		out[i] = models.SituationWindow{Start: w.Start, End: w.End, LabelScores: t.Map(w.LabelScores)}
	}
	return out
}
