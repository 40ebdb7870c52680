package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"homepanel/panel"
)

func newCallCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "call <method> [params-json]",
		Short: "Invoke a controller method and print its raw result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params map[string]any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
					return fmt.Errorf("params must be a JSON object: %w", err)
				}
			}
			return ctx.withApp(cmd.Context(), func(c context.Context, app *panelApp) error {
				var result json.RawMessage
				if err := app.RPC().Call(c, args[0], params, &result); err != nil {
					return err
				}
				return writeJSON(cmd, result)
			})
		},
	}
}

func newSensorsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sensors",
		Short: "List sensors with their latest readings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(c context.Context, app *panelApp) error {
				sensors, err := app.API().ListSensors(c)
				if err != nil {
					return err
				}
				readings, err := app.API().ReadSensors(c)
				if err != nil {
					return err
				}
				for i := range sensors {
					if v, ok := readings.Get(sensors[i].ID); ok {
						sensors[i].Value = &v
					}
				}
				if ctx.json {
					return writeJSON(cmd, sensors)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderSensors(sensors))
				return nil
			})
		},
	}
}

func renderSensors(sensors []panel.Sensor) string {
	rows := make([][]string, 0, len(sensors))
	for _, s := range sensors {
		value := "-"
		if s.Value != nil {
			value = strconv.FormatFloat(*s.Value, 'f', -1, 64)
		}
		rows = append(rows, []string{strconv.Itoa(s.ID), s.Label, s.Pin, s.Key, value})
	}
	return renderTable(
		[]string{"ID", "Label", "Pin", "Key", "Value"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft, alignRight},
	)
}

func newDevicesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List output devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(c context.Context, app *panelApp) error {
				devices, err := app.API().ListDevices(c)
				if err != nil {
					return err
				}
				if ctx.json {
					return writeJSON(cmd, devices)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderDevices(devices))
				return nil
			})
		},
	}
}

func renderDevices(devices []panel.Device) string {
	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		rows = append(rows, []string{strconv.Itoa(d.ID), d.Label, d.Pin, d.Key, onOff(d.Value)})
	}
	return renderTable(
		[]string{"ID", "Label", "Pin", "Key", "Value"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft, alignLeft},
	)
}

func newRulesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List automation rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(c context.Context, app *panelApp) error {
				rules, err := app.API().ListRules(c)
				if err != nil {
					return err
				}
				if ctx.json {
					return writeJSON(cmd, rules)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderRules(rules))
				return nil
			})
		},
	}
}

func renderRules(rules []panel.Rule) string {
	rows := make([][]string, 0, len(rules))
	for _, r := range rules {
		conds := make([]string, 0, len(r.Conditions))
		for _, c := range r.Conditions {
			conds = append(conds, fmt.Sprintf("%v %v %v", c[0], c[1], c[2]))
		}
		acts := make([]string, 0, len(r.Actions))
		for _, a := range r.Actions {
			acts = append(acts, fmt.Sprintf("%v = %v", a[0], a[1]))
		}
		enabled := "no"
		if r.Enabled {
			enabled = "yes"
		}
		rows = append(rows, []string{
			strconv.Itoa(r.ID), r.Label, enabled,
			strings.Join(conds, " and "), strings.Join(acts, ", "),
		})
	}
	return renderTable(
		[]string{"ID", "Label", "Enabled", "When", "Then"},
		rows,
		[]columnAlignment{alignRight},
	)
}

func newOperatorsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "operators",
		Short: "List comparison operators usable in rule conditions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(c context.Context, app *panelApp) error {
				ops, err := app.API().ListOperators(c)
				if err != nil {
					return err
				}
				if ctx.json {
					return writeJSON(cmd, ops)
				}
				for _, op := range ops {
					fmt.Fprintln(cmd.OutOrStdout(), op)
				}
				return nil
			})
		},
	}
}

func newReadCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "read [sensor-id]",
		Short: "Sample one sensor, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(c context.Context, app *panelApp) error {
				if len(args) == 1 {
					id, err := strconv.Atoi(args[0])
					if err != nil {
						return fmt.Errorf("invalid sensor id %q", args[0])
					}
					v, err := app.ReadSensor(c, id)
					if err != nil {
						return err
					}
					if ctx.json {
						return writeJSON(cmd, v)
					}
					fmt.Fprintln(cmd.OutOrStdout(), strconv.FormatFloat(v, 'f', -1, 64))
					return nil
				}

				readings, err := app.API().ReadSensors(c)
				if err != nil {
					return err
				}
				if ctx.json {
					return writeJSON(cmd, readings)
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderReadings(readings))
				return nil
			})
		},
	}
}

func renderReadings(readings panel.Readings) string {
	ids := make([]string, 0, len(readings))
	for id := range readings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		if errA != nil || errB != nil {
			return ids[i] < ids[j]
		}
		return a < b
	})
	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, []string{id, strconv.FormatFloat(readings[id], 'f', -1, 64)})
	}
	return renderTable([]string{"Sensor", "Value"}, rows, []columnAlignment{alignRight, alignRight})
}

func newLEDCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:       "led <on|off>",
		Short:     "Switch the panel LED",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			on, err := parseOnOff(args[0])
			if err != nil {
				return err
			}
			return ctx.withApp(cmd.Context(), func(c context.Context, app *panelApp) error {
				if err := app.ToggleLED(c, on); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "LED %s\n", onOff(app.State().LED()))
				return nil
			})
		},
	}
}

func newRunRuleCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run-rule <rule-id>",
		Short: "Evaluate a rule now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid rule id %q", args[0])
			}
			return ctx.withApp(cmd.Context(), func(c context.Context, app *panelApp) error {
				result, err := app.API().RunRule(c, id)
				if err != nil {
					return err
				}
				return writeJSON(cmd, result)
			})
		},
	}
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("expected on or off, got %q", s)
	}
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
