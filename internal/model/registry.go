// Package model is the parameter model registry: it declares the models the
// service can evaluate, validates submitted payloads against those
// declarations, and produces the typed tasks the broker queues.
package model

import (
	"fmt"
	"sync"
	"text/template"
)

// Model declares one evaluable model: a name, a version, and its typed
// parameters in declaration order.
type Model struct {
	Name    string
	Version int

	parameters []Parameter
	byName     map[string]Parameter
}

// NewModel builds a model declaration.
func NewModel(name string, version int, parameters ...Parameter) *Model {
	byName := make(map[string]Parameter, len(parameters))
	for _, p := range parameters {
		byName[p.Name()] = p
	}
	return &Model{
		Name:       name,
		Version:    version,
		parameters: parameters,
		byName:     byName,
	}
}

// Registry holds every known model, keyed by name and version. It is the
// single decoder from submitted payloads to typed tasks.
type Registry struct {
	mu     sync.RWMutex
	models map[string]*Model

	failureSubject *template.Template
	failureBody    *template.Template
}

// NewRegistry creates a registry whose tasks render their failure emails
// from the given templates.
func NewRegistry(failureSubject, failureBody *template.Template) *Registry {
	return &Registry{
		models:         make(map[string]*Model),
		failureSubject: failureSubject,
		failureBody:    failureBody,
	}
}

func modelKey(name string, version int) string {
	return fmt.Sprintf("%s@%d", name, version)
}

// Register adds a model declaration. Registering the same name and version
// twice is a configuration error.
func (r *Registry) Register(m *Model) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := modelKey(m.Name, m.Version)
	if _, exists := r.models[key]; exists {
		return fmt.Errorf("model %s already registered", key)
	}
	r.models[key] = m
	return nil
}

// Get looks up a model declaration.
func (r *Registry) Get(name string, version int) (*Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[modelKey(name, version)]
	return m, ok
}

// Decode validates a submitted task dict against the declared models and
// returns the typed task. Every failure wraps ErrValidation.
func (r *Registry) Decode(raw map[string]interface{}) (*Task, error) {
	name, ok := raw["modelName"].(string)
	if !ok || name == "" {
		return nil, validationErrorf("missing modelName")
	}
	versionValue, ok := raw["modelVersion"]
	if !ok {
		return nil, validationErrorf("missing modelVersion")
	}
	versionFloat, err := toFloat(versionValue)
	if err != nil {
		return nil, validationErrorf("modelVersion: %v", err)
	}
	version := int(versionFloat)

	email, ok := raw["emailAddress"].(string)
	if !ok || email == "" {
		return nil, validationErrorf("missing emailAddress")
	}

	m, ok := r.Get(name, version)
	if !ok {
		return nil, validationErrorf("unknown model %s version %d", name, version)
	}

	values, err := m.parseParams(raw["params"])
	if err != nil {
		return nil, err
	}

	return &Task{
		model:    m,
		registry: r,
		email:    email,
		values:   values,
	}, nil
}

func (m *Model) parseParams(raw interface{}) ([]ParamValue, error) {
	var items []interface{}
	switch v := raw.(type) {
	case nil:
		// No params is fine for parameterless models.
	case []interface{}:
		items = v
	case []ParamValue:
		// Re-decoding an Encode result.
		for _, pv := range v {
			items = append(items, map[string]interface{}{"name": pv.Name, "value": pv.Value})
		}
	default:
		return nil, validationErrorf("params: expected a list, got %T", raw)
	}

	values := make([]ParamValue, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]interface{})
		if !ok {
			return nil, validationErrorf("params: expected name/value objects, got %T", item)
		}
		pname, ok := entry["name"].(string)
		if !ok {
			return nil, validationErrorf("params: entry missing name")
		}
		decl, ok := m.byName[pname]
		if !ok {
			return nil, validationErrorf("model %s has no parameter %q", m.Name, pname)
		}
		if seen[pname] {
			return nil, validationErrorf("parameter %q given twice", pname)
		}
		seen[pname] = true

		parsed, err := decl.Parse(entry["value"])
		if err != nil {
			return nil, err
		}
		values = append(values, ParamValue{Name: pname, Value: parsed})
	}
	return values, nil
}
