// Package infra holds the adapters of the pipeline to the outside world:
// the state store, metrics exporters, notifiers and error reporting. They
// implement the interfaces declared by the core packages.
package infra
