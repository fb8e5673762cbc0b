// Package policy evaluates Open Policy Agent (OPA) Rego policies against
// parsed manifests.
//
// Policies are checked by "animus validate" before anything is applied. Each
// policy is a Rego v1 module whose deny set lists violations; the engine
// evaluates every enabled policy once per manifest.
//
// # Usage
//
//	engine, err := policy.NewEngine(logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := engine.LoadPolicies(ctx, []string{"policies"}); err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := engine.EvaluateManager(ctx, manager, "prod", "validate")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Allowed {
//	    for _, v := range result.Violations {
//	        fmt.Printf("%s: %s (%s)\n", v.Manifest, v.Message, v.Policy)
//	    }
//	}
//
// # Input
//
// A policy sees one Input document:
//
//	{
//	    "manifest":    {"kind": ..., "version": ..., "metadata": {...}, "spec": ...},
//	    "manifests":   ["every", "parsed", "name"],
//	    "kinds":       {"Kind": {"versions": [...]}},
//	    "environment": "prod",
//	    "operation":   "validate"
//	}
//
// # Built-in Policies
//
//  1. manifest-naming - names are non-empty strings without whitespace
//  2. dependency-references - dependencies name known manifests, never themselves
//  3. environment-targeting - environments is a list; reports skipped manifests
//  4. execution-flags - skip and execute-once flags are booleans
//
// # Custom Policies
//
// Custom policies are .rego files, named after the file, or .json files
// holding one policy or a bundle:
//
//	package custom.buckets
//
//	deny contains violation if {
//	    input.manifest.kind == "Bucket"
//	    not input.manifest.spec.region
//	    violation := {
//	        "message": sprintf("bucket %s has no region", [input.manifest.metadata.name]),
//	        "severity": "error",
//	    }
//	}
//
// A deny entry is a message string or an object with message and optional
// severity; other fields are kept as violation details. Entries without a
// severity take the policy's.
//
// # Severity Levels
//
//   - info: informational messages
//   - warning: issues that should be reviewed but don't block
//   - error: issues that block the run
//   - critical: severe issues requiring immediate attention
package policy
