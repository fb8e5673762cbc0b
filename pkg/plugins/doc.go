// Package plugins loads manifest kinds from a plugin directory.
//
// Two kinds of plugin file are supported:
//
//   - .star files, executed with Starlark. A file defines one kind with
//     top level kind, version and apply/delete functions, or several with a
//     kinds list built from manifest_kind(...).
//   - .wasm files, instantiated with wazero. A module exports malloc, free,
//     kind_metadata, kind_apply, kind_delete and optionally kind_differs, and
//     exchanges JSON documents with the host.
//
// Hooks receive the manifest, the target environment and access to the
// variable cache, value placeholders and other manifests. A kind that does
// not implement differs is compared against the checksum Ledger: it differs
// unless its newest ledger entry is an apply with the same checksum.
//
// A plugin may declare api_version, a semantic version constraint against
// HostAPIVersion, and spec_schema, a CUE schema its spec must satisfy.
//
//	loader := plugins.NewLoader(plugins.WithLedger(ledger))
//	manager := engine.NewManager(cache, engine.WithClassLoader(loader))
//	err := manager.LoadManifestClassDefinitions(ctx, "plugins")
package plugins
