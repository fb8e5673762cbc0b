// Package engine implements the Animus manifest orchestration core.
//
// # Overview
//
// Users describe resources as Kubernetes-style YAML manifests, each of a
// registered kind and version. The engine parses them, resolves the
// implementation for each kind and version, records dependencies between
// manifests, substitutes placeholders and calls the implementation to apply
// or delete the manifest:
//
//  1. Register - manifest kinds are registered as factories (VersionedClassRegister)
//  2. Parse - documents are parsed into instances and dependency edges recorded (Manager.ParseManifest)
//  3. Substitute - {{ .Values.NAME }} then {{ .Variables.NAME }} tokens are resolved (ManifestBase.ProcessValuePlaceholders)
//  4. Act - dependencies first, then the manifest itself (Manager.ApplyManifest, Manager.DeleteManifest)
//
// # Core Types
//
//   - Variable, VariableCache: runtime values produced by implementations, with TTL and log masking
//   - ValuePlaceholder, ValuePlaceHolders: static values per environment
//   - Manifest, ManifestBase: the contract every kind implements and the data it carries
//   - VersionedClassRegister: kind and version to implementation resolution
//   - DependencyReferences: dependency edges per action with direct cycle detection
//   - Manager: owns all of the above for one run
//
// # Implementing a kind
//
//	type Bucket struct{ *engine.ManifestBase }
//
//	func NewBucket() engine.Manifest {
//	    return &Bucket{engine.NewManifestBase("Bucket", "v1", []string{"v1"})}
//	}
//
//	func (b *Bucket) Base() *engine.ManifestBase { return b.ManifestBase }
//
//	func (b *Bucket) ImplementedManifestDiffers(ctx context.Context, a *engine.ActionContext) (bool, error) {
//	    return true, nil
//	}
//
//	func (b *Bucket) ApplyManifest(ctx context.Context, a *engine.ActionContext) error {
//	    a.Cache.StoreVariable(engine.NewVariable("Bucket:"+b.Name(), "created"), true)
//	    return nil
//	}
//
//	func (b *Bucket) DeleteManifest(ctx context.Context, a *engine.ActionContext) error {
//	    a.Cache.DeleteVariable("Bucket:" + b.Name())
//	    return nil
//	}
//
// # Execution guards
//
// Direct cycles (a depends on b and b on a) are rejected at parse time.
// Longer cycles are caught while processing: a manifest whose dependencies
// are processed a third time within one top level call fails with
// ErrRecursionDetected. Every manager action also counts against a per name
// cap (MAX_CALLS_TO_MANIFEST, default 10).
//
// # Errors
//
// All engine failures are *EngineError values classified as parse,
// execution, lookup or implementation errors and carry a code. Use errors.Is
// with the exported sentinels:
//
//	if errors.Is(err, engine.ErrRecursionDetected) {
//	    // ...
//	}
//
// Errors returned by kind implementations are passed through unchanged.
package engine
