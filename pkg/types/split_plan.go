package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// SplitRule routes a share of a charge to a PIX account. Exactly one of
// Percent or AmountCents is set per rule.
type SplitRule struct {
	AccountID   string `json:"account_id"`
	Percent     *int   `json:"percent,omitempty"`
	AmountCents *int   `json:"amount_cents,omitempty"`
}

// SplitPlan stores a store's revenue split configuration inside a JSONB
// column. The platform commission is not part of the plan; it is applied
// on top of it at charge time.
type SplitPlan struct {
	Rules []SplitRule `json:"rules"`
}

// Value serializes the plan to JSON.
func (p *SplitPlan) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

// Scan decodes JSONB into the plan struct.
func (p *SplitPlan) Scan(value interface{}) error {
	if value == nil {
		*p = SplitPlan{}
		return nil
	}
	raw, err := asJSON(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, p)
}

// JSONMap stores an arbitrary JSON object inside a JSONB column.
type JSONMap map[string]any

// Value serializes the map to JSON.
func (j *JSONMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan decodes JSONB into the map.
func (j *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	raw, err := asJSON(value)
	if err != nil {
		return err
	}
	var decoded JSONMap
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	*j = decoded
	return nil
}

func asJSON(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported scan type %T", value)
	}
}
