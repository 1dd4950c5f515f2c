// Package main provides the caphost CLI, which runs WebAssembly guests
// against the capabilities declared in a host manifest.
package main

func main() {
	Execute()
}
