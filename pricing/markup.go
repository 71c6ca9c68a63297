package pricing

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Rule adds Percent to any price within [Lower, Upper] (both inclusive)
type Rule struct {
	Lower   float64 `yaml:"lower"`
	Upper   float64 `yaml:"upper"`
	Percent float64 `yaml:"percent"`
}

// Table is an ordered list of markup rules. The first matching rule wins,
// even when a later rule covers the same range.
type Table []Rule

// DefaultTable is the production markup table.
// The 20% band above 500 is unreachable because the 100% band precedes it.
// Both are kept as-is until pricing confirms which one was intended.
var DefaultTable = Table{
	{Lower: 0.99, Upper: 9.99, Percent: 75},
	{Lower: 10, Upper: 19.99, Percent: 60},
	{Lower: 20, Upper: 49.99, Percent: 50},
	{Lower: 50, Upper: 99.99, Percent: 40},
	{Lower: 100, Upper: 199.99, Percent: 35},
	{Lower: 200, Upper: 499.99, Percent: 30},
	{Lower: 500, Upper: 1e9, Percent: 100},
	{Lower: 500, Upper: 1e9, Percent: 20},
}

// Apply returns the marked-up sale price for a cost price, rounded to cents.
// Prices outside every rule are returned unchanged.
func (t Table) Apply(price float64) float64 {
	for _, r := range t {
		if price >= r.Lower && price <= r.Upper {
			return RoundCents(price * (1 + r.Percent/100))
		}
	}
	return price
}

// Validate checks each rule on its own. Rule order is never changed.
func (t Table) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("markup table is empty")
	}
	for i, r := range t {
		if r.Lower < 0 || r.Upper < r.Lower {
			return fmt.Errorf("rule %d: invalid range [%v, %v]", i, r.Lower, r.Upper)
		}
		if math.IsNaN(r.Percent) || r.Percent < 0 {
			return fmt.Errorf("rule %d: invalid percent %v", i, r.Percent)
		}
	}
	return nil
}

// RoundCents rounds half away from zero to 2 decimals
func RoundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

type tableFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadTable reads a markup table from a YAML file of the form
//
//	rules:
//	  - {lower: 0.99, upper: 9.99, percent: 75}
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read markup table: %w", err)
	}
	return ParseTable(data)
}

func ParseTable(data []byte) (Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse markup table: %w", err)
	}
	t := Table(f.Rules)
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}
