package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"homepanel/panel"
)

// Demo is an in-memory controller holding sensors, devices and rules. It
// backs `homepanel serve` and the end-to-end tests; it stores what it is
// given and evaluates nothing.
type Demo struct {
	mu       sync.Mutex
	nextID   int
	sensors  map[int]panel.Sensor
	devices  map[int]panel.Device
	rules    map[int]panel.Rule
	readings panel.Readings
	led      bool
	ledFault string
}

// Operators is the catalog returned by list_operator.
var Operators = []panel.Operator{"Equal", "NotEqual", "GreaterThan", "LessThan"}

func NewDemo() *Demo {
	d := &Demo{
		sensors:  make(map[int]panel.Sensor),
		devices:  make(map[int]panel.Device),
		rules:    make(map[int]panel.Rule),
		readings: panel.Readings{},
	}
	d.saveSensor(panel.Sensor{Label: "Living room", Pin: "4"})
	d.saveSensor(panel.Sensor{Label: "Porch", Pin: "17"})
	d.saveDevice(panel.Device{Label: "LED", Pin: "18"})
	d.readings["1"] = 21.5
	d.readings["2"] = 14
	return d
}

// Attach registers the demo's methods and the "add" event on s.
func (d *Demo) Attach(s *Server) error {
	if err := s.Register(d); err != nil {
		return err
	}
	s.OnEvent("add", d.add)
	return nil
}

// SetReading changes a sensor value as if the hardware had moved.
func (d *Demo) SetReading(id int, v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readings[strconv.Itoa(id)] = v
}

// FailLED makes toggle_led fail with code 1 and msg; an empty msg clears the fault.
func (d *Demo) FailLED(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ledFault = msg
}

// Publish broadcasts the readings as a "sensors" event every interval until
// ctx is done.
func (d *Demo) Publish(ctx context.Context, s *Server, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Broadcast(ctx, panel.EventSensors, d.snapshot()); err != nil && logger != nil {
				logger.Warn("publish readings", slog.String("error", err.Error()))
			}
		}
	}
}

func (d *Demo) snapshot() panel.Readings {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make(panel.Readings, len(d.readings))
	for k, v := range d.readings {
		cp[k] = v
	}
	return cp
}

func (d *Demo) add(_ context.Context, payload json.RawMessage) (any, error) {
	var args struct{ A, B float64 }
	if err := json.Unmarshal(payload, &args); err != nil {
		return nil, err
	}
	return args.A + args.B, nil
}

func (d *Demo) id() int {
	d.nextID++
	return d.nextID
}

func stamp() string { return time.Now().UTC().Format(time.RFC3339) }

// Argument shapes, named after the parameters panels send.

type NoArgs struct{}

type IDArgs struct {
	ID int `json:"id"`
}

type SensorIDArgs struct {
	SensorID int `json:"sensor_id"`
}

type DeviceIDArgs struct {
	DeviceID int `json:"device_id"`
}

type RuleIDArgs struct {
	RuleID int `json:"rule_id"`
}

type SensorData struct {
	Data panel.Sensor `json:"data"`
}

type DeviceData struct {
	Data panel.Device `json:"data"`
}

type RuleData struct {
	Data panel.Rule `json:"data"`
}

type LEDArgs struct {
	OnOff bool `json:"on_off"`
}

func notFound(kind string, id int) error {
	return Errorf(404, "%s %d not found", kind, id)
}

// Sensors

func (d *Demo) ListSensor(_ context.Context, _ *NoArgs, reply *[]panel.Sensor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	*reply = make([]panel.Sensor, 0, len(d.sensors))
	for _, id := range sortedKeys(d.sensors) {
		*reply = append(*reply, d.sensors[id])
	}
	return nil
}

func (d *Demo) GetSensor(_ context.Context, args *SensorIDArgs, reply *panel.Sensor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sensors[args.SensorID]
	if !ok {
		return notFound("sensor", args.SensorID)
	}
	*reply = s
	return nil
}

func (d *Demo) SaveSensor(_ context.Context, args *SensorData, reply *panel.Sensor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if args.Data.ID != 0 {
		if _, ok := d.sensors[args.Data.ID]; !ok {
			return notFound("sensor", args.Data.ID)
		}
	}
	*reply = d.saveSensor(args.Data)
	return nil
}

func (d *Demo) saveSensor(s panel.Sensor) panel.Sensor {
	if s.ID == 0 {
		s.ID = d.id()
		s.Created = stamp()
	}
	s.Key = panel.EntityKey("Sensor", s.ID, "value")
	s.Value = nil
	d.sensors[s.ID] = s
	return s
}

func (d *Demo) DeleteSensor(_ context.Context, args *SensorIDArgs, reply *bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, *reply = d.sensors[args.SensorID]
	delete(d.sensors, args.SensorID)
	delete(d.readings, strconv.Itoa(args.SensorID))
	return nil
}

func (d *Demo) ReadSensor(_ context.Context, args *IDArgs, reply *float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.readings.Get(args.ID)
	if !ok {
		return notFound("sensor", args.ID)
	}
	*reply = v
	return nil
}

func (d *Demo) ReadSensors(_ context.Context, _ *NoArgs, reply *panel.Readings) error {
	*reply = d.snapshot()
	return nil
}

// Devices

func (d *Demo) ListDevice(_ context.Context, _ *NoArgs, reply *[]panel.Device) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	*reply = make([]panel.Device, 0, len(d.devices))
	for _, id := range sortedKeys(d.devices) {
		*reply = append(*reply, d.devices[id])
	}
	return nil
}

func (d *Demo) GetDevice(_ context.Context, args *DeviceIDArgs, reply *panel.Device) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[args.DeviceID]
	if !ok {
		return notFound("device", args.DeviceID)
	}
	*reply = dev
	return nil
}

func (d *Demo) SaveDevice(_ context.Context, args *DeviceData, reply *panel.Device) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if args.Data.ID != 0 {
		if _, ok := d.devices[args.Data.ID]; !ok {
			return notFound("device", args.Data.ID)
		}
	}
	*reply = d.saveDevice(args.Data)
	return nil
}

func (d *Demo) saveDevice(dev panel.Device) panel.Device {
	if dev.ID == 0 {
		dev.ID = d.id()
		dev.Created = stamp()
	}
	dev.Key = panel.EntityKey("Device", dev.ID, "value")
	d.devices[dev.ID] = dev
	return dev
}

func (d *Demo) DeleteDevice(_ context.Context, args *DeviceIDArgs, reply *bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, *reply = d.devices[args.DeviceID]
	delete(d.devices, args.DeviceID)
	return nil
}

func (d *Demo) ToggleLED(_ context.Context, args *LEDArgs, reply *bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ledFault != "" {
		return Errorf(1, "%s", d.ledFault)
	}
	d.led = args.OnOff
	*reply = d.led
	return nil
}

// Rules

func (d *Demo) ListRule(_ context.Context, _ *NoArgs, reply *[]panel.Rule) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	*reply = make([]panel.Rule, 0, len(d.rules))
	for _, id := range sortedKeys(d.rules) {
		*reply = append(*reply, d.rules[id])
	}
	return nil
}

func (d *Demo) GetRule(_ context.Context, args *RuleIDArgs, reply *panel.Rule) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rules[args.RuleID]
	if !ok {
		return notFound("rule", args.RuleID)
	}
	*reply = r
	return nil
}

func (d *Demo) SaveRule(_ context.Context, args *RuleData, reply *panel.Rule) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := args.Data
	if r.ID == 0 {
		r.ID = d.id()
		r.Created = stamp()
	} else if _, ok := d.rules[r.ID]; !ok {
		return notFound("rule", r.ID)
	}
	if r.Conditions == nil {
		r.Conditions = []panel.Condition{}
	}
	if r.Actions == nil {
		r.Actions = []panel.Action{}
	}
	d.rules[r.ID] = r
	*reply = r
	return nil
}

func (d *Demo) DeleteRule(_ context.Context, args *RuleIDArgs, reply *bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, *reply = d.rules[args.RuleID]
	delete(d.rules, args.RuleID)
	return nil
}

// RunRule reports whether the rule exists and is enabled.
func (d *Demo) RunRule(_ context.Context, args *RuleIDArgs, reply *bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rules[args.RuleID]
	if !ok {
		return notFound("rule", args.RuleID)
	}
	*reply = r.Enabled
	return nil
}

func (d *Demo) ListOperator(_ context.Context, _ *NoArgs, reply *[]panel.Operator) error {
	*reply = append([]panel.Operator(nil), Operators...)
	return nil
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
