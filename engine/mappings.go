package engine

import (
	stderrors "errors"
	"fmt"
	"math"
	"strings"

	"github.com/c360/synthiot/config"
	"github.com/c360/synthiot/errors"
	"github.com/c360/synthiot/iot"
	"github.com/c360/synthiot/param"
)

// buildParameter adds the parameter described by pc to the tree, creating
// missing groups along its group path
func buildParameter(m *param.Manager, pc config.ParameterConfig) error {
	g, err := ensureGroup(m.Root(), pc.Group)
	if err != nil {
		return err
	}

	name := pc.Name
	if name == "" {
		name = pc.ID
	}
	var opts []param.Option
	if pc.Unit != "" {
		opts = append(opts, param.WithUnit(pc.Unit))
	}
	if pc.Scale != "" {
		scale, err := param.ParseScale(pc.Scale)
		if err != nil {
			return err
		}
		opts = append(opts, param.WithScale(scale))
	}
	if pc.Smoothing > 0 {
		opts = append(opts, param.WithSmoothing(pc.Smoothing))
	}
	if pc.Automatable != nil && !*pc.Automatable {
		opts = append(opts, param.NotAutomatable())
	}

	switch strings.ToLower(pc.Kind) {
	case "", "float":
		_, err = g.AddFloat(pc.ID, name, pc.Min, pc.Max, pc.Default, opts...)
	case "int":
		_, err = g.AddInt(pc.ID, name, int(math.Round(pc.Min)), int(math.Round(pc.Max)), int(math.Round(pc.Default)), opts...)
	case "bool":
		_, err = g.AddBool(pc.ID, name, pc.Default >= 0.5, opts...)
	case "enum":
		entries := make([]param.EnumEntry, 0, len(pc.Options))
		for _, o := range pc.Options {
			entries = append(entries, param.EnumEntry{Value: o.Value, Name: o.Name})
		}
		_, err = g.AddEnum(pc.ID, name, entries, int(math.Round(pc.Default)), opts...)
	case "trigger":
		_, err = g.AddTrigger(pc.ID, name, opts...)
	default:
		err = fmt.Errorf("%w: parameter kind %q", errors.ErrInvalidConfig, pc.Kind)
	}
	return err
}

func ensureGroup(root *param.Group, path string) (*param.Group, error) {
	g := root
	for _, id := range strings.Split(path, "/") {
		if id == "" {
			continue
		}
		next := g.Group(id)
		if next == nil {
			var err error
			if next, err = g.AddGroup(id, id); err != nil {
				return nil, err
			}
		}
		g = next
	}
	return g, nil
}

// applyMappings replaces the topic mappings installed from configuration.
// Every mapping is attempted; the failures are returned together.
func (e *Engine) applyMappings(ms []config.MappingConfig) error {
	e.mapMu.Lock()
	defer e.mapMu.Unlock()

	for _, p := range e.patterns {
		e.adapter.RemoveMappings(p)
	}
	for _, name := range e.published {
		e.adapter.UnpublishParameter(name)
	}
	e.patterns, e.published = nil, nil

	var errs []error
	for i, m := range ms {
		if err := e.installMapping(m); err != nil {
			errs = append(errs, fmt.Errorf("mapping %d (%s): %w", i, m.Topic, err))
		}
	}
	e.metrics.setMappings(len(e.patterns))
	if len(errs) > 0 {
		return errors.WrapInvalid(stderrors.Join(errs...), "Engine", "applyMappings", "install mappings")
	}
	return nil
}

func (e *Engine) installMapping(m config.MappingConfig) error {
	if err := e.configurePattern(m); err != nil {
		return err
	}

	if m.Event != "" {
		if err := e.adapter.MapTopicToEvent(m.Topic, m.Event); err != nil {
			return err
		}
	} else if err := e.params.BindTopic(m.Topic, m.Parameter); err != nil {
		e.adapter.RemoveMappings(m.Topic)
		return err
	}
	e.patterns = append(e.patterns, m.Topic)

	if m.Publish != "" && m.Parameter != "" {
		p, err := e.params.Lookup(m.Parameter)
		if err != nil {
			return err
		}
		if err := e.adapter.PublishParameter(p, m.Publish); err != nil {
			return err
		}
		e.published = append(e.published, m.Publish)
	}
	return nil
}

// configurePattern installs the conversion of m before its mapping exists
func (e *Engine) configurePattern(m config.MappingConfig) error {
	var lo, hi float64
	if m.Min != nil {
		lo = *m.Min
	}
	if m.Max != nil {
		hi = *m.Max
	}

	switch {
	case m.Sensor != "":
		if err := e.adapter.RegisterSensorType(m.Topic, iot.SensorType(m.Sensor), lo, hi, m.Normalize); err != nil {
			return err
		}
	case m.Normalize || m.Min != nil || m.Max != nil:
		if err := e.adapter.RegisterSensorType(m.Topic, iot.SensorCustom, lo, hi, m.Normalize); err != nil {
			return err
		}
	}

	if m.Extract != "" {
		extract, err := iot.ParseExtractor(m.Extract)
		if err != nil {
			return err
		}
		if err := e.adapter.SetParameterConverter(m.Topic, iot.FloatConverter(extract)); err != nil {
			return err
		}
	}

	if m.Mode != "" {
		mode, err := iot.ParseMappingMode(m.Mode)
		if err != nil {
			return err
		}
		if err := e.adapter.SetMappingMode(m.Topic, mode, m.ThresholdOrDefault(), m.ExponentOrDefault()); err != nil {
			return err
		}
	}
	return nil
}

// applyMIDIMappings replaces the MIDI CC bindings installed from
// configuration
func (e *Engine) applyMIDIMappings(ms []config.MIDIMappingConfig) error {
	e.midiMu.Lock()
	defer e.midiMu.Unlock()

	for _, k := range e.midiKeys {
		e.params.UnmapMIDI(uint8(k.CC), uint8(k.Channel))
	}
	e.midiKeys = nil

	var errs []error
	for _, mm := range ms {
		if err := e.params.MapMIDI(uint8(mm.CC), uint8(mm.Channel), mm.Path); err != nil {
			errs = append(errs, fmt.Errorf("cc %d channel %d: %w", mm.CC, mm.Channel, err))
			continue
		}
		e.midiKeys = append(e.midiKeys, mm)
	}
	e.metrics.setMIDIMappings(len(e.midiKeys))
	if len(errs) > 0 {
		return errors.WrapInvalid(stderrors.Join(errs...), "Engine", "applyMIDIMappings", "install midi mappings")
	}
	return nil
}
