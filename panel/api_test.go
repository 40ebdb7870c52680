package panel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"homepanel/client"
	"homepanel/message"
	"homepanel/rpcerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCaller records the last call and answers with a canned result.
type fakeCaller struct {
	method string
	params string
	result string
	err    error
}

func (f *fakeCaller) Call(_ context.Context, method string, params map[string]any, reply any) error {
	f.method = method
	data, _ := json.Marshal(params)
	f.params = string(data)
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.result), reply)
}

func TestAPICatalog(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		result string
		call   func(a *API) error
		method string
		params string
	}{
		{"list sensors", `[]`, func(a *API) error { _, err := a.ListSensors(ctx); return err }, "list_sensor", `null`},
		{"get sensor", `{"id":3}`, func(a *API) error { _, err := a.GetSensor(ctx, 3); return err }, "get_sensor", `{"sensor_id":3}`},
		{"save sensor", `true`, func(a *API) error { _, err := a.SaveSensor(ctx, Sensor{Label: "porch", Pin: "4"}); return err }, "save_sensor", `{"data":{"label":"porch","pin":"4"}}`},
		{"delete sensor", `true`, func(a *API) error { _, err := a.DeleteSensor(ctx, 3); return err }, "delete_sensor", `{"sensor_id":3}`},
		{"list devices", `[]`, func(a *API) error { _, err := a.ListDevices(ctx); return err }, "list_device", `null`},
		{"get device", `{"id":2}`, func(a *API) error { _, err := a.GetDevice(ctx, 2); return err }, "get_device", `{"device_id":2}`},
		{"save device", `true`, func(a *API) error { _, err := a.SaveDevice(ctx, Device{Label: "fan", Pin: "17", Value: true}); return err }, "save_device", `{"data":{"label":"fan","pin":"17","value":true}}`},
		{"delete device", `true`, func(a *API) error { _, err := a.DeleteDevice(ctx, 2); return err }, "delete_device", `{"device_id":2}`},
		{"list rules", `[]`, func(a *API) error { _, err := a.ListRules(ctx); return err }, "list_rule", `null`},
		{"get rule", `{"id":7}`, func(a *API) error { _, err := a.GetRule(ctx, 7); return err }, "get_rule", `{"rule_id":7}`},
		{"delete rule", `true`, func(a *API) error { _, err := a.DeleteRule(ctx, 7); return err }, "delete_rule", `{"rule_id":7}`},
		{"run rule", `null`, func(a *API) error { _, err := a.RunRule(ctx, 7); return err }, "run_rule", `{"rule_id":7}`},
		{"list operators", `["Equal"]`, func(a *API) error { _, err := a.ListOperators(ctx); return err }, "list_operator", `null`},
		{"toggle led", `true`, func(a *API) error { _, err := a.ToggleLED(ctx, true); return err }, "toggle_led", `{"on_off":true}`},
		{"read sensor", `42`, func(a *API) error { _, err := a.ReadSensor(ctx, 1); return err }, "read_sensor", `{"id":1}`},
		{"read sensors", `{}`, func(a *API) error { _, err := a.ReadSensors(ctx); return err }, "read_sensors", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeCaller{result: tt.result}
			require.NoError(t, tt.call(NewAPI(f)))
			assert.Equal(t, tt.method, f.method)
			assert.JSONEq(t, tt.params, f.params)
		})
	}
}

func TestAPISaveRule(t *testing.T) {
	f := &fakeCaller{result: `{"id":1}`}
	rule := Rule{
		Label:      "fan on when hot",
		Enabled:    true,
		Conditions: []Condition{{EntityKey("Sensor", 1, "value"), "GreaterThan", 30}},
		Actions:    []Action{{EntityKey("Device", 2, "value"), true}},
	}

	out, err := NewAPI(f).SaveRule(context.Background(), rule)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1}`, string(out))
	assert.Equal(t, "save_rule", f.method)
	assert.JSONEq(t, `{"data":{
		"label":"fan on when hot","enabled":true,
		"conditions":[["Sensor/1/value","GreaterThan",30]],
		"actions":[["Device/2/value",true]]}}`, f.params)
}

func TestAPIDecodesResults(t *testing.T) {
	ctx := context.Background()

	f := &fakeCaller{result: `[{"id":1,"label":"porch","pin":"4","key":"Sensor/1/value"}]`}
	sensors, err := NewAPI(f).ListSensors(ctx)
	require.NoError(t, err)
	require.Len(t, sensors, 1)
	assert.Equal(t, "Sensor/1/value", sensors[0].Key)

	f.result = `42`
	v, err := NewAPI(f).ReadSensor(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 42.0, v)

	f.result = `{"1":21.5,"2":19}`
	r, err := NewAPI(f).ReadSensors(ctx)
	require.NoError(t, err)
	got, ok := r.Get(2)
	assert.True(t, ok)
	assert.Equal(t, 19.0, got)

	f.result = `["Equal","NotEqual"]`
	ops, err := NewAPI(f).ListOperators(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Operator{"Equal", "NotEqual"}, ops)
}

func TestAPIPassesErrorsThrough(t *testing.T) {
	want := &rpcerr.RPCError{Method: "toggle_led", Code: 1, Message: "actuator offline"}
	f := &fakeCaller{err: want}

	_, err := NewAPI(f).ToggleLED(context.Background(), true)
	re, ok := rpcerr.AsRPC(err)
	require.True(t, ok)
	assert.Equal(t, 1, re.Code)
	assert.Equal(t, "actuator offline", re.Message)

	s, err := NewAPI(f).GetSensor(context.Background(), 1)
	assert.Nil(t, s)
	assert.Error(t, err)
}

func TestReadSensorsResultShape(t *testing.T) {
	var result atomic.Value
	result.Store(`"not a map"`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req message.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":"`+req.ID+`","result":`+result.Load().(string)+`}`)
	}))
	defer srv.Close()

	c, err := client.New(client.Options{Endpoint: srv.URL})
	require.NoError(t, err)
	defer c.Close()
	api := NewAPI(c)

	r, err := api.ReadSensors(context.Background())
	require.Error(t, err)
	assert.Nil(t, r)
	assert.True(t, rpcerr.IsProtocol(err), "got %v", err)

	result.Store(`null`)
	r, err = api.ReadSensors(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Readings{}, r)
}

func TestEntityKey(t *testing.T) {
	assert.Equal(t, "Sensor/1", EntityKey("Sensor", 1, ""))
	assert.Equal(t, "Device/4/value", EntityKey("Device", 4, "value"))
}
