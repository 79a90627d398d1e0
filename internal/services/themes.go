package services

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/driftpost/driftpost-backend/internal/logger"
)

// LightingStyle tunes the visual language of generated prompts.
type LightingStyle struct {
	Name                 string `yaml:"name"`
	Description          string `yaml:"description"`
	LightingInstructions string `yaml:"lighting_instructions"`
	EvaluationCriteria   string `yaml:"evaluation_criteria"`
	ColorPalette         string `yaml:"color_palette"`
}

// Theme is one YAML theme definition driving prompt creation and judging.
type Theme struct {
	Name               string                   `yaml:"name"`
	DisplayName        string                   `yaml:"display_name"`
	Description        string                   `yaml:"description"`
	Notes              string                   `yaml:"theme_specific_notes"`
	Approaches         []string                 `yaml:"approaches"`
	Keywords           []string                 `yaml:"keywords"`
	NegativeRules      []string                 `yaml:"negative_rules"`
	LightingStyles     map[string]LightingStyle `yaml:"lighting_styles"`
	EvaluationCriteria map[string]string        `yaml:"evaluation_criteria"`
	ScoringWeights     map[string]float64       `yaml:"scoring_weights"`
	MinimumWordCount   int                      `yaml:"minimum_word_count"`
}

// ThemeService loads theme definitions from a directory of YAML files at
// startup and serves them read-only afterwards.
type ThemeService interface {
	Get(name string) (*Theme, error)
	Names() []string
}

type themeService struct {
	log    *logger.Logger
	themes map[string]*Theme
}

func NewThemeService(log *logger.Logger, dir string) (ThemeService, error) {
	serviceLog := log.With("service", "ThemeService")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read theme dir %s: %w", dir, err)
	}
	themes := map[string]*Theme{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read theme file %s: %w", entry.Name(), err)
		}
		var theme Theme
		if err := yaml.Unmarshal(raw, &theme); err != nil {
			return nil, fmt.Errorf("parse theme file %s: %w", entry.Name(), err)
		}
		if theme.Name == "" {
			theme.Name = strings.TrimSuffix(entry.Name(), ext)
		}
		if theme.MinimumWordCount <= 0 {
			theme.MinimumWordCount = 60
		}
		themes[theme.Name] = &theme
		serviceLog.Debug("Loaded theme", "theme", theme.Name, "approaches", len(theme.Approaches))
	}
	if len(themes) == 0 {
		return nil, fmt.Errorf("no theme definitions found in %s", dir)
	}
	serviceLog.Info("Themes loaded", "count", len(themes))
	return &themeService{log: serviceLog, themes: themes}, nil
}

func (s *themeService) Get(name string) (*Theme, error) {
	t, ok := s.themes[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown theme %q", name)
	}
	return t, nil
}

func (s *themeService) Names() []string {
	out := make([]string, 0, len(s.themes))
	for name := range s.themes {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
