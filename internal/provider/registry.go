package provider

import "fmt"

// Registry holds the configured drivers and picks one per campaign.
type Registry struct {
	drivers     map[Name]Driver
	defaultName Name
}

// NewRegistry builds a registry. defaultName is the driver used when a
// campaign does not pin one ("auto"); empty means first registered wins.
func NewRegistry(defaultName Name, drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[Name]Driver, len(drivers))}
	for _, d := range drivers {
		if d == nil {
			continue
		}
		r.drivers[d.Name()] = d
		if r.defaultName == "" {
			r.defaultName = d.Name()
		}
	}
	if defaultName != "" {
		if _, ok := r.drivers[defaultName]; ok {
			r.defaultName = defaultName
		}
	}
	return r
}

// Get returns the named driver.
func (r *Registry) Get(name Name) (Driver, error) {
	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("provider: no driver registered for %q", name)
	}
	return d, nil
}

// ForCampaign resolves the campaign's provider choice. Empty or "auto"
// falls to the registry default.
func (r *Registry) ForCampaign(choice string) (Driver, error) {
	if choice == "" || choice == "auto" {
		if r.defaultName == "" {
			return nil, fmt.Errorf("provider: no drivers registered")
		}
		return r.Get(r.defaultName)
	}
	return r.Get(Name(choice))
}
