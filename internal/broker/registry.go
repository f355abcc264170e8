package broker

import "fmt"

// registry maps a broker_conf.name to its Constructor. Populated by
// each adapter's init() so adding a new variant never requires editing
// this file (the registration call lives next to the variant it
// registers).
var registry = map[string]Constructor{}

func register(name string, ctor Constructor) {
	registry[name] = ctor
}

// New instantiates the broker adapter named by name, passing it kwargs
// verbatim. name is typically config.Config.Broker.Name.
func New(name string, kwargs map[string]any) (Broker, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("broker: unknown adapter %q", name)
	}
	return ctor(kwargs)
}
