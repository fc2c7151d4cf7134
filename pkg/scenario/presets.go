package scenario

import (
	"sort"
	"time"
)

var presets = map[string]Definition{
	"phishing_campaign": {
		ID:          "phishing_campaign",
		Name:        "Phishing Campaign",
		Description: "Credential phishing followed by mailbox and identity abuse",
		Phases: []Phase{
			{Name: "delivery", Duration: Duration(10 * time.Minute), EventCount: 200, GeneratorRef: "fortinet_fortigate", NoiseRatio: 0.2},
			{Name: "credential_harvest", StartOffset: Duration(10 * time.Minute), Duration: Duration(20 * time.Minute), EventCount: 150, GeneratorRef: "okta_authentication"},
			{Name: "mailbox_access", StartOffset: Duration(30 * time.Minute), Duration: Duration(30 * time.Minute), EventCount: 100, GeneratorRef: "aws_cloudtrail"},
		},
	},
	"ransomware_attack": {
		ID:          "ransomware_attack",
		Name:        "Ransomware Attack",
		Description: "Initial access, lateral movement and mass encryption",
		Phases: []Phase{
			{Name: "initial_access", Duration: Duration(time.Hour), EventCount: 100, GeneratorRef: "fortinet_fortigate"},
			{Name: "lateral_movement", StartOffset: Duration(time.Hour), Duration: Duration(2 * time.Hour), EventCount: 300, GeneratorRef: "windows_security"},
			{Name: "encryption", StartOffset: Duration(3 * time.Hour), Duration: Duration(30 * time.Minute), EventCount: 500, GeneratorRef: "crowdstrike_falcon"},
		},
	},
	"insider_threat": {
		ID:          "insider_threat",
		Name:        "Insider Threat",
		Description: "Slow data staging by a privileged employee",
		Phases: []Phase{
			{Name: "reconnaissance", Duration: Duration(2 * Day), EventCount: 150, GeneratorRef: "okta_authentication", NoiseRatio: 0.5},
			{Name: "data_staging", StartOffset: Duration(2 * Day), Duration: Duration(3 * Day), EventCount: 250, GeneratorRef: "windows_security"},
			{Name: "exfiltration", StartOffset: Duration(5 * Day), Duration: Duration(2 * Day), EventCount: 100, GeneratorRef: "aws_cloudtrail", Overlap: true},
		},
	},
	"operation_digital_heist": {
		ID:          "operation_digital_heist",
		Name:        "Operation Digital Heist",
		Description: "14-day APT campaign against a financial target",
		Duration:    Duration(14 * Day),
		Phases: []Phase{
			{Name: "reconnaissance", Duration: Duration(2 * Day), EventCount: 200, GeneratorRef: "fortinet_fortigate", NoiseRatio: 0.3},
			{Name: "initial_access", StartOffset: Duration(2 * Day), Duration: Duration(2 * Day), EventCount: 150, GeneratorRef: "okta_authentication"},
			{Name: "lateral_movement", StartOffset: Duration(4 * Day), Duration: Duration(4 * Day), EventCount: 400, GeneratorRef: "windows_security"},
			{Name: "exfiltration", StartOffset: Duration(8 * Day), Duration: Duration(3 * Day), EventCount: 300, GeneratorRef: "aws_cloudtrail"},
			{Name: "impact", StartOffset: Duration(11 * Day), Duration: Duration(3 * Day), EventCount: 250, GeneratorRef: "crowdstrike_falcon"},
		},
	},
}

// Presets returns the built-in scenarios sorted by id.
func Presets() []Definition {
	out := make([]Definition, 0, len(presets))
	for _, d := range presets {
		d.Phases = append([]Phase(nil), d.Phases...)
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Preset looks up a built-in scenario.
func Preset(id string) (Definition, bool) {
	d, ok := presets[id]
	if ok {
		d.Phases = append([]Phase(nil), d.Phases...)
	}
	return d, ok
}
