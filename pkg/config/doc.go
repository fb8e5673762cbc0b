// Package config loads the inputs of an animus run: settings, manifest and
// values documents, and the CUE schemas they are checked against.
//
// # Documents
//
// Manifest and values files are multi-document YAML streams. ParseDocuments
// decodes each non-empty document into a string keyed map and names it
// part_N by its position in the stream. Files ending in .cue are evaluated
// with a CUEDocumentLoader; a CUE source holds one manifest at the top level
// or a manifests list or struct.
//
// # Schemas
//
// SchemaRegistry compiles CUE schemas for:
//
//   - manifest: kind, version, metadata and spec of a manifest document
//   - values: the values file shape (name, environments, environmentName, value)
//   - spec:KIND@VERSION: optional spec schemas registered by plugin kinds
//
// Validation unifies the encoded document with the schema and requires a
// concrete result. Failures are reported as an *IssuesError listing every
// ValidationError with its path and position.
//
// # Settings
//
// SettingsLoader reads an optional YAML file and the environment with viper.
// Keys map to ANIMUS_ variables with dots replaced by underscores, for example
// ANIMUS_LOGGING_LEVEL. DEBUG and MAX_CALLS_TO_MANIFEST are honoured without
// the prefix. The result is validated with struct tags.
//
//	loader := config.NewSettingsLoader()
//	settings, err := loader.Load("animus.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
