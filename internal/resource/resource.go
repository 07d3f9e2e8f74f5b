// Package resource assembles one interaction engine per served resource
// type from the fixed type table.
package resource

import (
	"errors"
	"fmt"
	"slices"

	"fhir-gateway/internal/resource/models"
	"fhir-gateway/internal/resource/search"
	"fhir-gateway/internal/resource/service"
)

// StoreFactory opens the version store of one resource type.
type StoreFactory func(t models.ResourceType) (service.Store, error)

// Registry maps resource types to their engines. It is built once at
// startup and read-only afterwards.
type Registry struct {
	services map[models.ResourceType]*service.Service
	types    []models.TypeDefinition
	engine   *search.Engine
}

// NewRegistry builds engines for the enabled types of table. An empty
// enabled list serves every type. Options apply to every engine.
func NewRegistry(table []models.TypeDefinition, enabled []string, stores StoreFactory, opts ...service.Option) (*Registry, error) {
	if stores == nil {
		return nil, errors.New("store factory is required")
	}
	types, err := selectTypes(table, enabled)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		services: make(map[models.ResourceType]*service.Service, len(types)),
		types:    types,
		engine:   search.NewEngine(types),
	}
	for _, def := range types {
		store, err := stores(def.Name)
		if err != nil {
			return nil, fmt.Errorf("open store for %s: %w", def.Name, err)
		}
		svc, err := service.New(def.Name, store, r.engine, opts...)
		if err != nil {
			return nil, fmt.Errorf("create service for %s: %w", def.Name, err)
		}
		r.services[def.Name] = svc
	}
	return r, nil
}

func selectTypes(table []models.TypeDefinition, enabled []string) ([]models.TypeDefinition, error) {
	if len(enabled) == 0 {
		return slices.Clone(table), nil
	}
	var out []models.TypeDefinition
	for _, name := range enabled {
		def, ok := models.LookupType(table, models.ResourceType(name))
		if !ok {
			return nil, fmt.Errorf("unknown resource type %q", name)
		}
		if slices.ContainsFunc(out, func(d models.TypeDefinition) bool { return d.Name == def.Name }) {
			continue
		}
		out = append(out, def)
	}
	return out, nil
}

// Lookup returns the engine of t.
func (r *Registry) Lookup(t models.ResourceType) (*service.Service, bool) {
	svc, ok := r.services[t]
	return svc, ok
}

// Services returns the engines in type table order.
func (r *Registry) Services() []*service.Service {
	out := make([]*service.Service, 0, len(r.types))
	for _, def := range r.types {
		out = append(out, r.services[def.Name])
	}
	return out
}

// Types returns the served type definitions.
func (r *Registry) Types() []models.TypeDefinition {
	return slices.Clone(r.types)
}
