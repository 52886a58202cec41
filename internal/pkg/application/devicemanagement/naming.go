package devicemanagement

import (
	"fmt"
	"regexp"
	"strings"
)

type NameMapping struct {
	Pattern string `yaml:"pattern"`
	Name    string `yaml:"name"`
}

// DefaultNaming maps the identity schemes used by the lock controller firmware to
// names an operator will recognise. The name may reference capture groups.
var DefaultNaming = []NameMapping{
	{Pattern: `^ESP32_FRONT_(\d+)$`, Name: "Front Door Lock $1"},
	{Pattern: `^ESP32_MAIN_(\d+)$`, Name: "Main Entrance $1"},
	{Pattern: `^ESP32_CONF_([A-Z])\d*$`, Name: "Conference Room $1"},
	{Pattern: `^ESP32_SERVER_(\d+)$`, Name: "Server Room $1"},
	{Pattern: `^ESP32_WH_GATE_(\d+)$`, Name: "Warehouse Gate $1"},
	{Pattern: `^ESP32_STORAGE_(\d+)$`, Name: "Storage Room $1"},
	{Pattern: `^ESP32_TEST_(\d+)$`, Name: "Test Lock $1"},
}

type namer struct {
	patterns []*regexp.Regexp
	names    []string
}

func newNamer(mappings []NameMapping) (*namer, error) {
	n := &namer{}

	for _, m := range mappings {
		re, err := regexp.Compile(m.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid naming pattern %q: %w", m.Pattern, err)
		}
		n.patterns = append(n.patterns, re)
		n.names = append(n.names, m.Name)
	}

	return n, nil
}

func (n *namer) NameFor(hardwareID string) string {
	for i, re := range n.patterns {
		if match := re.FindStringSubmatchIndex(hardwareID); match != nil {
			return string(re.ExpandString(nil, n.names[i], hardwareID, match))
		}
	}

	return "Auto-detected " + strings.Join(strings.FieldsFunc(hardwareID, func(r rune) bool {
		return r == '_' || r == '-' || r == ':' || r == '.'
	}), " ")
}
