// Package bindings wraps the CUDA runtime through cgo.
// Everything else in the package requires the cuda build tag.
package bindings
