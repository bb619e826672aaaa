package config

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var hundred = decimal.NewFromInt(100)

// Decimal is a YAML scalar parsed without float rounding. A trailing "%"
// divides by 100, so max_allocation_rate: "25%" reads as 0.25.
type Decimal struct {
	decimal.Decimal
}

func (d *Decimal) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: decimal must be a scalar", node.Line)
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		d.Decimal = decimal.Zero
		return nil
	}
	pct := strings.HasSuffix(raw, "%")
	dec, err := decimal.NewFromString(strings.TrimSpace(strings.TrimSuffix(raw, "%")))
	if err != nil {
		return fmt.Errorf("line %d: invalid decimal %q: %w", node.Line, node.Value, err)
	}
	if pct {
		dec = dec.Div(hundred)
	}
	d.Decimal = dec
	return nil
}

func (d Decimal) MarshalYAML() (any, error) {
	return d.String(), nil
}
