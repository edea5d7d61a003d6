package modules

import (
	"strconv"
	"strings"

	"github.com/scottdavis/nnflow/pkg/core"
	"github.com/scottdavis/nnflow/pkg/errors"
)

// Module categories advertised in core.ModuleType.
const (
	CategoryInputOutput = "Input-Output"
	CategoryLayer       = "Layer"
	CategoryActivation  = "Activation"
	CategoryFork        = "Fork"
	CategoryJoin        = "Join"
)

// Property keys understood by Factory.
const (
	PropertyMode   = "mode"
	PropertyLabels = "labels"
)

var modeProperty = core.ModuleProperty{Name: "Mode", ID: PropertyMode, Class: "string"}

// Factory builds the module types of this package.
type Factory struct {
	config *core.Config
}

// NewFactory creates a factory whose modules share config.
func NewFactory(config *core.Config) *Factory {
	if config == nil {
		config = core.NewConfig()
	}
	return &Factory{config: config}
}

// SupportedModuleTypes implements core.ModuleFactory.
func (f *Factory) SupportedModuleTypes() []core.ModuleType {
	return []core.ModuleType{
		{Type: "Input", Category: CategoryInputOutput, Properties: props()},
		{Type: "Output", Category: CategoryInputOutput, Properties: props(
			core.ModuleProperty{Name: "Labels", ID: PropertyLabels, Class: "string"},
		)},
		{Type: "Linear", Category: CategoryLayer, Trainable: true, Properties: props(
			core.ModuleProperty{Name: "Input size", ID: "input", Class: "int"},
			core.ModuleProperty{Name: "Output size", ID: "output", Class: "int"},
		)},
		{Type: "Convolution", Category: CategoryLayer, Trainable: true, Properties: props(
			core.ModuleProperty{Name: "Kernel width", ID: "kernel", Class: "int"},
			core.ModuleProperty{Name: "Stride", ID: "stride", Class: "int"},
		)},
		{Type: "Composite", Category: CategoryLayer, Trainable: true, Properties: props(
			core.ModuleProperty{Name: "Layers", ID: "layers", Class: "string"},
		)},
		{Type: "Sigmoid", Category: CategoryActivation, Properties: props()},
		{Type: "Tanh", Category: CategoryActivation, Properties: props()},
		{Type: "ReLU", Category: CategoryActivation, Properties: props()},
		{Type: "Grid", Category: CategoryFork, MultipleNext: true, Properties: props(
			core.ModuleProperty{Name: "Crop width", ID: "x", Class: "int"},
			core.ModuleProperty{Name: "Crop height", ID: "y", Class: "int"},
			core.ModuleProperty{Name: "Stride x", ID: "strideX", Class: "int"},
			core.ModuleProperty{Name: "Stride y", ID: "strideY", Class: "int"},
		)},
		{Type: "Split", Category: CategoryFork, MultipleNext: true, Properties: props(
			core.ModuleProperty{Name: "Parts", ID: "parts", Class: "int"},
		)},
		{Type: "Concat", Category: CategoryJoin, MultiplePrev: true, Properties: props()},
		{Type: "Add", Category: CategoryJoin, MultiplePrev: true, Properties: props()},
	}
}

func props(ps ...core.ModuleProperty) []core.ModuleProperty {
	return append(ps, modeProperty)
}

// CreateModule implements core.ModuleFactory.
func (f *Factory) CreateModule(desc core.ModuleDescriptor) (core.Module, error) {
	mode := core.DefaultMode
	if s := desc.Property(PropertyMode, ""); s != "" {
		m, ok := core.ParseMode(s)
		if !ok {
			return nil, errors.WithFields(
				errors.New(errors.WiringFailed, "invalid module mode"),
				errors.Fields{"module_id": desc.ID, "mode": s},
			)
		}
		mode = m
	}

	m, err := f.create(desc)
	if err != nil {
		return nil, err
	}
	m.SetMode(mode)
	return m, nil
}

func (f *Factory) create(desc core.ModuleDescriptor) (core.Module, error) {
	switch desc.Type {
	case "Input":
		return NewInput(desc.ID, f.config), nil
	case "Output":
		out := NewOutput(desc.ID, f.config)
		if labels := desc.Property(PropertyLabels, ""); labels != "" {
			out.SetOutputLabels(splitList(labels)...)
		}
		return out, nil
	case "Grid":
		x, err := desc.RequiredIntProperty("x")
		if err != nil {
			return nil, err
		}
		y, err := desc.RequiredIntProperty("y")
		if err != nil {
			return nil, err
		}
		sx, err := desc.IntProperty("strideX", x)
		if err != nil {
			return nil, err
		}
		sy, err := desc.IntProperty("strideY", y)
		if err != nil {
			return nil, err
		}
		if sx <= 0 || sy <= 0 {
			return nil, errors.WithFields(
				errors.New(errors.WiringFailed, "grid stride must be positive"),
				errors.Fields{"module_id": desc.ID, "strideX": sx, "strideY": sy},
			)
		}
		return NewFork(desc.ID, desc.Type, Grid{X: x, Y: y, StrideX: sx, StrideY: sy}, f.config), nil
	case "Split":
		parts, err := desc.RequiredIntProperty("parts")
		if err != nil {
			return nil, err
		}
		return NewFork(desc.ID, desc.Type, Split{Parts: parts}, f.config), nil
	case "Concat":
		return NewJoin(desc.ID, desc.Type, Concat{}, f.config), nil
	case "Add":
		return NewJoin(desc.ID, desc.Type, Add{}, f.config), nil
	case "Composite":
		list := desc.Property("layers", "")
		if list == "" {
			return nil, errors.WithFields(
				errors.New(errors.WiringFailed, "missing module property"),
				errors.Fields{"module_id": desc.ID, "type": desc.Type, "property": "layers"},
			)
		}
		var layers []Layer
		for _, s := range splitList(list) {
			l, err := parseLayer(s)
			if err != nil {
				return nil, errors.WithFields(err, errors.Fields{"module_id": desc.ID})
			}
			layers = append(layers, l)
		}
		return newLayerModule(desc.ID, desc.Type, NewComposite(layers...), f.config), nil
	}

	layer, err := f.layer(desc)
	if err != nil {
		return nil, err
	}
	return newLayerModule(desc.ID, desc.Type, layer, f.config), nil
}

// layer builds the single layer types from a descriptor.
func (f *Factory) layer(desc core.ModuleDescriptor) (Layer, error) {
	switch desc.Type {
	case "Linear":
		in, err := desc.RequiredIntProperty("input")
		if err != nil {
			return nil, err
		}
		out, err := desc.RequiredIntProperty("output")
		if err != nil {
			return nil, err
		}
		return NewLinear(in, out), nil
	case "Convolution":
		kernel, err := desc.RequiredIntProperty("kernel")
		if err != nil {
			return nil, err
		}
		stride, err := desc.IntProperty("stride", 1)
		if err != nil {
			return nil, err
		}
		if stride <= 0 {
			return nil, errors.WithFields(
				errors.New(errors.WiringFailed, "stride must be positive"),
				errors.Fields{"module_id": desc.ID, "stride": stride},
			)
		}
		return NewConvolution(kernel, stride), nil
	case "Sigmoid":
		return Sigmoid{}, nil
	case "Tanh":
		return Tanh{}, nil
	case "ReLU":
		return ReLU{}, nil
	}
	return nil, errors.WithFields(core.ErrUnknownModuleType, errors.Fields{"type": desc.Type})
}

// parseLayer parses one entry of a composite layer list, such as
// "Linear:4:2", "Convolution:3:1" or "Sigmoid".
func parseLayer(s string) (Layer, error) {
	fields := strings.Split(s, ":")
	args := make([]int, 0, len(fields)-1)
	for _, a := range fields[1:] {
		n, err := strconv.Atoi(strings.TrimSpace(a))
		if err != nil || n <= 0 {
			return nil, errors.WithFields(
				errors.New(errors.WiringFailed, "invalid composite layer argument"),
				errors.Fields{"layer": s},
			)
		}
		args = append(args, n)
	}

	arity := func(n int) error {
		if len(args) != n {
			return errors.WithFields(
				errors.New(errors.WiringFailed, "wrong number of composite layer arguments"),
				errors.Fields{"layer": s, "want": n},
			)
		}
		return nil
	}

	switch strings.TrimSpace(fields[0]) {
	case "Linear":
		if err := arity(2); err != nil {
			return nil, err
		}
		return NewLinear(args[0], args[1]), nil
	case "Convolution":
		if err := arity(2); err != nil {
			return nil, err
		}
		return NewConvolution(args[0], args[1]), nil
	case "Sigmoid":
		return Sigmoid{}, arity(0)
	case "Tanh":
		return Tanh{}, arity(0)
	case "ReLU":
		return ReLU{}, arity(0)
	}
	return nil, errors.WithFields(
		errors.New(errors.WiringFailed, "unknown composite layer"),
		errors.Fields{"layer": s},
	)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var _ core.ModuleFactory = (*Factory)(nil)
