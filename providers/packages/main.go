// Package main implements the Package manifest kind as a WebAssembly module
// for animus. It manages Linux packages across apt, dnf, yum and zypper.
//
// The module runs sandboxed and cannot execute commands. Apply and delete
// resolve the package manager and record the command a runner must execute
// as cache variables:
//
//	Package:<name>:command   argv of the install, upgrade or remove command
//	Package:<name>:manager   the resolved package manager
//	Package:<name>:state     the desired state (present, absent, latest)
//
// Build with:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o package.wasm ./providers/packages
package main

// main is unused; the host calls the exported hooks of the reactor module.
func main() {}
