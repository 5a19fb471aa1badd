package moderation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy is the local moderation policy. Term lists are ordered; the first
// hit is the one reported.
type Policy struct {
	BannedTerms []string `yaml:"banned_terms"`
	SevereTerms []string `yaml:"severe_terms"`

	// ContactDetection enables the built-in email/url/phone/handle detectors.
	ContactDetection bool `yaml:"contact_detection"`

	// FloodDetection rejects character and word flooding as low severity.
	FloodDetection bool `yaml:"flood_detection"`
}

// DefaultPolicy returns the policy compiled into the binary.
func DefaultPolicy() Policy {
	return Policy{
		BannedTerms: []string{
			"fuck", "fucking", "shit", "bitch", "asshole", "bastard", "cunt",
			"dick", "pussy", "slut", "whore", "retard", "faggot",
			"kys", "kill yourself", "go die", "neck yourself",
		},
		SevereTerms: []string{
			"child porn", "send nudes", "sell nudes", "heil hitler",
			"bomb threat", "home address", "credit card number", "social security number",
		},
		ContactDetection: true,
		FloodDetection:   true,
	}
}

// LoadPolicy reads a YAML policy file. Keys missing from the file keep their
// DefaultPolicy value; an explicit empty list clears the default list.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("moderation: read policy: %w", err)
	}

	p := DefaultPolicy()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("moderation: parse policy %s: %w", path, err)
	}
	return p, nil
}
