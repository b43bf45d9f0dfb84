// Package guardrail screens user input and model output for a
// financial-advisory assistant and records security incidents.
package guardrail

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules/default_rules.yaml
var embeddedRules embed.FS

// Severity orders violations from cosmetic to account-threatening.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

func normalizeSeverity(raw string) (Severity, error) {
	switch Severity(strings.ToLower(strings.TrimSpace(raw))) {
	case SeverityLow:
		return SeverityLow, nil
	case SeverityMedium:
		return SeverityMedium, nil
	case SeverityHigh:
		return SeverityHigh, nil
	case SeverityCritical:
		return SeverityCritical, nil
	default:
		return "", fmt.Errorf("unknown severity %q", raw)
	}
}

type injectionRule struct {
	Pattern  string `yaml:"pattern"`
	Severity string `yaml:"severity"`
}

type offDomainRule struct {
	Term     string `yaml:"term"`
	Severity string `yaml:"severity"`
}

type encodedPayloadRule struct {
	MinBase64Run int    `yaml:"min_base64_run"`
	MinHexRun    int    `yaml:"min_hex_run"`
	Severity     string `yaml:"severity"`
}

type crossAccountRule struct {
	Severity string `yaml:"severity"`
}

// RulePack is the parsed and normalized rule set a Validator runs against.
type RulePack struct {
	Version        int                `yaml:"version"`
	Injection      []injectionRule    `yaml:"injection_patterns"`
	OffDomain      []offDomainRule    `yaml:"off_domain_terms"`
	EncodedPayload encodedPayloadRule `yaml:"encoded_payload"`
	CrossAccount   crossAccountRule   `yaml:"cross_account"`
}

func (p *RulePack) normalize() error {
	if p == nil {
		return errors.New("nil rule pack")
	}
	if p.Version <= 0 {
		return errors.New("rule pack missing version")
	}
	if len(p.Injection) == 0 {
		return errors.New("rule pack has no injection patterns")
	}
	for i := range p.Injection {
		p.Injection[i].Pattern = strings.ToLower(strings.TrimSpace(p.Injection[i].Pattern))
		if p.Injection[i].Pattern == "" {
			return fmt.Errorf("injection rule %d has empty pattern", i)
		}
		sev, err := normalizeSeverity(p.Injection[i].Severity)
		if err != nil {
			return fmt.Errorf("injection rule %q: %w", p.Injection[i].Pattern, err)
		}
		p.Injection[i].Severity = string(sev)
	}
	for i := range p.OffDomain {
		p.OffDomain[i].Term = strings.ToLower(strings.TrimSpace(p.OffDomain[i].Term))
		if p.OffDomain[i].Term == "" {
			return fmt.Errorf("off-domain rule %d has empty term", i)
		}
		sev, err := normalizeSeverity(p.OffDomain[i].Severity)
		if err != nil {
			return fmt.Errorf("off-domain rule %q: %w", p.OffDomain[i].Term, err)
		}
		p.OffDomain[i].Severity = string(sev)
	}
	if p.EncodedPayload.MinBase64Run <= 0 {
		p.EncodedPayload.MinBase64Run = 80
	}
	if p.EncodedPayload.MinHexRun <= 0 {
		p.EncodedPayload.MinHexRun = 64
	}
	if strings.TrimSpace(p.EncodedPayload.Severity) == "" {
		p.EncodedPayload.Severity = string(SeverityMedium)
	} else {
		sev, err := normalizeSeverity(p.EncodedPayload.Severity)
		if err != nil {
			return fmt.Errorf("encoded_payload: %w", err)
		}
		p.EncodedPayload.Severity = string(sev)
	}
	if strings.TrimSpace(p.CrossAccount.Severity) == "" {
		p.CrossAccount.Severity = string(SeverityCritical)
	} else {
		sev, err := normalizeSeverity(p.CrossAccount.Severity)
		if err != nil {
			return fmt.Errorf("cross_account: %w", err)
		}
		p.CrossAccount.Severity = string(sev)
	}
	return nil
}

// DefaultRules parses the embedded rule pack.
func DefaultRules() (*RulePack, error) {
	raw, err := embeddedRules.ReadFile("rules/default_rules.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded rules failed: %w", err)
	}
	return parseRules(raw)
}

// LoadRules reads a rule pack from disk. An empty path falls back to the
// embedded defaults.
func LoadRules(path string) (*RulePack, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultRules()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file failed: %w", err)
	}
	return parseRules(raw)
}

func parseRules(raw []byte) (*RulePack, error) {
	var pack RulePack
	if err := yaml.Unmarshal(raw, &pack); err != nil {
		return nil, fmt.Errorf("parse rules failed: %w", err)
	}
	if err := pack.normalize(); err != nil {
		return nil, err
	}
	return &pack, nil
}
