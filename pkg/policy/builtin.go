package policy

// BuiltinPolicies returns all built-in policies.
func BuiltinPolicies() []Policy {
	return []Policy{
		manifestNamingPolicy(),
		dependencyReferencesPolicy(),
		environmentTargetingPolicy(),
		executionFlagsPolicy(),
	}
}

func builtinMetadata() map[string]interface{} {
	return map[string]interface{}{"source": "builtin"}
}

// manifestNamingPolicy requires usable manifest names. Names are how
// dependencies and lookups reach a manifest.
func manifestNamingPolicy() Policy {
	return Policy{
		Name:        "manifest-naming",
		Description: "Manifest names must be non-empty strings without whitespace",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "metadata"},
		Metadata:    builtinMetadata(),
		Rego: `package animus.policies.naming

import rego.v1

name := input.manifest.metadata.name

deny contains violation if {
	not is_string(name)
	violation := {
		"message": sprintf("Manifest of kind %v must have a string name", [input.manifest.kind]),
		"severity": "error",
	}
}

deny contains violation if {
	is_string(name)
	trim_space(name) == ""
	violation := {
		"message": sprintf("Manifest of kind %v has an empty name", [input.manifest.kind]),
		"severity": "error",
	}
}

deny contains violation if {
	is_string(name)
	trim_space(name) != ""
	regex.match("\\s", name)
	violation := {
		"message": sprintf("Manifest name '%s' should not contain whitespace", [name]),
		"severity": "warning",
	}
}`,
	}
}

// dependencyReferencesPolicy checks the dependencies section. Unknown and
// self references would otherwise only fail at run time.
func dependencyReferencesPolicy() Policy {
	return Policy{
		Name:        "dependency-references",
		Description: "Dependencies must map apply and delete to lists of known manifest names",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"dependencies", "metadata"},
		Metadata:    builtinMetadata(),
		Rego: `package animus.policies.dependencies

import rego.v1

name := input.manifest.metadata.name

dependencies := input.manifest.metadata.dependencies

actions := ["apply", "delete"]

deny contains violation if {
	"dependencies" in object.keys(input.manifest.metadata)
	not is_object(dependencies)
	violation := {
		"message": sprintf("Dependencies of %v must map actions to manifest names", [name]),
		"severity": "error",
	}
}

deny contains violation if {
	is_object(dependencies)
	some action, _ in dependencies
	not action in actions
	violation := {
		"message": sprintf("Dependencies of %v list unknown action '%v'", [name, action]),
		"severity": "warning",
		"action": action,
	}
}

deny contains violation if {
	is_object(dependencies)
	some action in actions
	deps := dependencies[action]
	not is_array(deps)
	violation := {
		"message": sprintf("%s dependencies of %v must be a list", [action, name]),
		"severity": "error",
		"action": action,
	}
}

deny contains violation if {
	is_object(dependencies)
	some action in actions
	is_array(dependencies[action])
	some dep in dependencies[action]
	dep == name
	violation := {
		"message": sprintf("Manifest %v lists itself as a %s dependency", [name, action]),
		"severity": "error",
		"action": action,
		"dependency": dep,
	}
}

deny contains violation if {
	is_object(dependencies)
	is_array(input.manifests)
	some action in actions
	is_array(dependencies[action])
	some dep in dependencies[action]
	not dep in input.manifests
	violation := {
		"message": sprintf("Manifest %v has %s dependency on unknown manifest %v", [name, action, dep]),
		"severity": "error",
		"action": action,
		"dependency": dep,
	}
}`,
	}
}

// environmentTargetingPolicy reports manifests that a run would skip.
func environmentTargetingPolicy() Policy {
	return Policy{
		Name:        "environment-targeting",
		Description: "Environments must be a list; reports manifests not targeted for the run's environment",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"environments", "metadata"},
		Metadata:    builtinMetadata(),
		Rego: `package animus.policies.environments

import rego.v1

name := input.manifest.metadata.name

environments := input.manifest.metadata.environments

has_environments if "environments" in object.keys(input.manifest.metadata)

deny contains violation if {
	has_environments
	not is_array(environments)
	violation := {
		"message": sprintf("Environments of %v must be a list", [name]),
		"severity": "error",
	}
}

deny contains violation if {
	is_array(environments)
	count(environments) == 0
	violation := {
		"message": sprintf("Manifest %v targets no environment and will never run", [name]),
		"severity": "warning",
	}
}

deny contains violation if {
	is_array(environments)
	count(environments) > 0
	not input.environment in environments
	violation := {
		"message": sprintf("Manifest %v is not targeted for environment %v", [name, input.environment]),
		"severity": "info",
	}
}

deny contains violation if {
	not has_environments
	input.environment != "default"
	violation := {
		"message": sprintf("Manifest %v only targets the default environment, not %v", [name, input.environment]),
		"severity": "info",
	}
}`,
	}
}

// executionFlagsPolicy checks the skip and execute-once flags.
func executionFlagsPolicy() Policy {
	return Policy{
		Name:        "execution-flags",
		Description: "Execution flags should be booleans and not skip every action",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"flags", "metadata"},
		Metadata:    builtinMetadata(),
		Rego: `package animus.policies.flags

import rego.v1

name := input.manifest.metadata.name

flags := [
	"skipApplyAll",
	"skipDeleteAll",
	"executeOnlyOnceOnApply",
	"executeOnlyOnceOnDelete",
]

deny contains violation if {
	some flag in flags
	value := input.manifest.metadata[flag]
	not is_boolean(value)
	violation := {
		"message": sprintf("Flag %s of %v should be a boolean, got %v", [flag, name, value]),
		"severity": "warning",
		"flag": flag,
	}
}

deny contains violation if {
	input.manifest.metadata.skipApplyAll == true
	input.manifest.metadata.skipDeleteAll == true
	violation := {
		"message": sprintf("Manifest %v skips both apply and delete", [name]),
		"severity": "warning",
	}
}`,
	}
}
