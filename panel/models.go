package panel

import (
	"fmt"
	"strconv"
)

// Sensor is a GPIO input known to the controller. Key addresses its live
// reading in rule conditions, e.g. "Sensor/1/value".
type Sensor struct {
	ID      int      `json:"id,omitempty"`
	Created string   `json:"created,omitempty"`
	Label   string   `json:"label"`
	Pin     string   `json:"pin"`
	Key     string   `json:"key,omitempty"`
	Value   *float64 `json:"value,omitempty"`
}

// Device is a GPIO output with a boolean value.
type Device struct {
	ID      int    `json:"id,omitempty"`
	Created string `json:"created,omitempty"`
	Label   string `json:"label"`
	Pin     string `json:"pin"`
	Value   bool   `json:"value"`
	Key     string `json:"key,omitempty"`
}

// Condition is [left, operator, right]; operands are entity keys or literals.
//
//	["Device/1/value", "Equal", 1]
type Condition [3]any

// Action is [target, value].
type Action [2]any

type Rule struct {
	ID         int         `json:"id,omitempty"`
	Created    string      `json:"created,omitempty"`
	Label      string      `json:"label"`
	Enabled    bool        `json:"enabled"`
	Conditions []Condition `json:"conditions"`
	Actions    []Action    `json:"actions"`
}

// Operator names a comparison the controller can evaluate in a Condition.
type Operator string

// Readings maps sensor id (as text) to its latest value, as pushed in
// "sensors" events and returned by read_sensors.
type Readings map[string]float64

// Get returns the reading for sensor id.
func (r Readings) Get(id int) (float64, bool) {
	v, ok := r[strconv.Itoa(id)]
	return v, ok
}

// EntityKey builds the "<Model>/<id>[/<property>]" address used in rules.
func EntityKey(model string, id int, property string) string {
	if property == "" {
		return fmt.Sprintf("%s/%d", model, id)
	}
	return fmt.Sprintf("%s/%d/%s", model, id, property)
}

func (r Readings) clone() Readings {
	cp := make(Readings, len(r))
	for k, v := range r {
		cp[k] = v
	}
	return cp
}
