// Package factory provides a small generic registry used to instantiate
// pluggable modules (solvers, reinforcement engines, metrics sinks,
// notifiers) from configuration. Modules are defined by a type string and a
// map of raw settings; factories decode the settings into typed structs and
// return the concrete implementation.
//
//	solver, err := optimize.Solvers.Create(factory.ModuleConfig{Type: "simplex", Conf: map[string]any{"tolerance": 1e-9}})
package factory
