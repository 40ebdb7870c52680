package panel

import (
	"context"
	"encoding/json"
)

// Caller is the part of the RPC client the API needs. *client.Client satisfies it.
type Caller interface {
	Call(ctx context.Context, method string, params map[string]any, reply any) error
}

// API wraps every operation the controller exposes. Each method is a single
// call with the controller's parameter names; failures are the client's
// *rpcerr errors unchanged.
type API struct {
	c Caller
}

func NewAPI(c Caller) *API {
	return &API{c: c}
}

// Sensors

func (a *API) ListSensors(ctx context.Context) ([]Sensor, error) {
	var out []Sensor
	err := a.c.Call(ctx, "list_sensor", nil, &out)
	return out, err
}

func (a *API) GetSensor(ctx context.Context, id int) (*Sensor, error) {
	var out Sensor
	if err := a.c.Call(ctx, "get_sensor", map[string]any{"sensor_id": id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) SaveSensor(ctx context.Context, s Sensor) (json.RawMessage, error) {
	var out json.RawMessage
	err := a.c.Call(ctx, "save_sensor", map[string]any{"data": s}, &out)
	return out, err
}

// DeleteSensor reports whether the controller removed the sensor.
func (a *API) DeleteSensor(ctx context.Context, id int) (bool, error) {
	var ok bool
	err := a.c.Call(ctx, "delete_sensor", map[string]any{"sensor_id": id}, &ok)
	return ok, err
}

// ReadSensor samples one sensor now.
func (a *API) ReadSensor(ctx context.Context, id int) (float64, error) {
	var v float64
	err := a.c.Call(ctx, "read_sensor", map[string]any{"id": id}, &v)
	return v, err
}

// ReadSensors samples every sensor.
func (a *API) ReadSensors(ctx context.Context) (Readings, error) {
	var r Readings
	if err := a.c.Call(ctx, "read_sensors", map[string]any{}, &r); err != nil {
		return nil, err
	}
	if r == nil {
		r = Readings{}
	}
	return r, nil
}

// Devices

func (a *API) ListDevices(ctx context.Context) ([]Device, error) {
	var out []Device
	err := a.c.Call(ctx, "list_device", nil, &out)
	return out, err
}

func (a *API) GetDevice(ctx context.Context, id int) (*Device, error) {
	var out Device
	if err := a.c.Call(ctx, "get_device", map[string]any{"device_id": id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) SaveDevice(ctx context.Context, d Device) (json.RawMessage, error) {
	var out json.RawMessage
	err := a.c.Call(ctx, "save_device", map[string]any{"data": d}, &out)
	return out, err
}

func (a *API) DeleteDevice(ctx context.Context, id int) (bool, error) {
	var ok bool
	err := a.c.Call(ctx, "delete_device", map[string]any{"device_id": id}, &ok)
	return ok, err
}

// ToggleLED switches the panel LED. The result is whatever the controller returns.
func (a *API) ToggleLED(ctx context.Context, on bool) (json.RawMessage, error) {
	var out json.RawMessage
	err := a.c.Call(ctx, "toggle_led", map[string]any{"on_off": on}, &out)
	return out, err
}

// Rules

func (a *API) ListRules(ctx context.Context) ([]Rule, error) {
	var out []Rule
	err := a.c.Call(ctx, "list_rule", nil, &out)
	return out, err
}

func (a *API) GetRule(ctx context.Context, id int) (*Rule, error) {
	var out Rule
	if err := a.c.Call(ctx, "get_rule", map[string]any{"rule_id": id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *API) SaveRule(ctx context.Context, r Rule) (json.RawMessage, error) {
	var out json.RawMessage
	err := a.c.Call(ctx, "save_rule", map[string]any{"data": r}, &out)
	return out, err
}

func (a *API) DeleteRule(ctx context.Context, id int) (bool, error) {
	var ok bool
	err := a.c.Call(ctx, "delete_rule", map[string]any{"rule_id": id}, &ok)
	return ok, err
}

func (a *API) RunRule(ctx context.Context, id int) (json.RawMessage, error) {
	var out json.RawMessage
	err := a.c.Call(ctx, "run_rule", map[string]any{"rule_id": id}, &out)
	return out, err
}

func (a *API) ListOperators(ctx context.Context) ([]Operator, error) {
	var out []Operator
	err := a.c.Call(ctx, "list_operator", nil, &out)
	return out, err
}
