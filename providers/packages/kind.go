package main

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind metadata returned by kind_metadata.
const (
	kindName    = "Package"
	kindVersion = "v1"
	apiVersion  = "^1.0"
)

// specSchema is the CUE schema the host validates specs against.
const specSchema = `{
	package:     string & !=""
	state?:      "present" | "absent" | "latest"
	version?:    string
	repository?: string
	manager?:    "apt" | "dnf" | "yum" | "zypper"
	options?:    [...string]
}`

// ValuePackageManager is the value placeholder consulted when a spec names
// no manager.
const ValuePackageManager = "package_manager"

// Package states.
const (
	StatePresent = "present"
	StateAbsent  = "absent"
	StateLatest  = "latest"
)

// definition is the kind_metadata response.
type definition struct {
	Kind              string   `json:"kind"`
	Version           string   `json:"version"`
	SupportedVersions []string `json:"supported_versions,omitempty"`
	APIVersion        string   `json:"api_version,omitempty"`
	SpecSchema        string   `json:"spec_schema,omitempty"`
}

// request is the document the host passes to every hook.
type request struct {
	Hook        string                 `json:"hook"`
	Name        string                 `json:"name"`
	Checksum    string                 `json:"checksum"`
	Environment string                 `json:"environment"`
	Spec        json.RawMessage        `json:"spec"`
	Variables   map[string]interface{} `json:"variables"`
	Values      map[string]interface{} `json:"values"`
}

// response is what a hook returns. Variable changes are discarded by the
// host when Error is set.
type response struct {
	Error           string     `json:"error,omitempty"`
	Differs         *bool      `json:"differs,omitempty"`
	SetVariables    []variable `json:"set_variables,omitempty"`
	DeleteVariables []string   `json:"delete_variables,omitempty"`
	Logs            []logEntry `json:"logs,omitempty"`
}

type variable struct {
	Name      string      `json:"name"`
	Value     interface{} `json:"value"`
	Overwrite bool        `json:"overwrite,omitempty"`
}

type logEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// PackageSpec is the spec of a Package manifest.
type PackageSpec struct {
	// Package is the name of the package to manage.
	Package string `json:"package"`

	// State is the desired state (present, absent, latest).
	State string `json:"state"`

	// Version is the specific version to install (optional).
	// If empty and state is "present", the latest available version is installed.
	Version string `json:"version,omitempty"`

	// Repository is a specific repository to use (optional).
	Repository string `json:"repository,omitempty"`

	// Manager is the package manager to use (optional, falls back to the
	// package_manager value).
	Manager string `json:"manager,omitempty"`

	// Options are additional package manager specific options.
	Options []string `json:"options,omitempty"`
}

func metadata() definition {
	return definition{
		Kind:              kindName,
		Version:           kindVersion,
		SupportedVersions: []string{"v1beta1"},
		APIVersion:        apiVersion,
		SpecSchema:        specSchema,
	}
}

// handle runs one hook. Failures are reported in the response so the host
// can surface them as implementation errors.
func handle(input []byte) response {
	var req request
	if err := json.Unmarshal(input, &req); err != nil {
		return response{Error: fmt.Sprintf("failed to parse request: %v", err)}
	}

	var spec PackageSpec
	if len(req.Spec) > 0 && string(req.Spec) != "null" {
		if err := json.Unmarshal(req.Spec, &spec); err != nil {
			return response{Error: fmt.Sprintf("failed to parse spec of %s: %v", req.Name, err)}
		}
	}
	if err := validatePackageSpec(&spec); err != nil {
		return response{Error: fmt.Sprintf("%s: %v", req.Name, err)}
	}

	manager, err := resolvePackageManager(spec.Manager, req.Values)
	if err != nil {
		return response{Error: fmt.Sprintf("%s: %v", req.Name, err)}
	}

	switch req.Hook {
	case "apply":
		return apply(&req, &spec, manager)
	case "delete":
		return remove(&req, &spec, manager)
	case "differs":
		return differs(&req, &spec, manager)
	default:
		return response{Error: fmt.Sprintf("unsupported hook %q", req.Hook)}
	}
}

func apply(req *request, spec *PackageSpec, manager string) response {
	var argv []string
	switch spec.State {
	case StateAbsent:
		argv = removeCommand(manager, spec)
	case StateLatest:
		argv = upgradeCommand(manager, spec)
	default:
		argv = installCommand(manager, spec)
	}
	return response{
		SetVariables: []variable{
			{Name: variableName(req.Name, "command"), Value: argv, Overwrite: true},
			{Name: variableName(req.Name, "manager"), Value: manager, Overwrite: true},
			{Name: variableName(req.Name, "state"), Value: spec.State, Overwrite: true},
		},
		Logs: []logEntry{{
			Level:   "info",
			Message: fmt.Sprintf("%s: %s %s via %s: %s", req.Name, spec.State, spec.Package, manager, commandLine(argv)),
		}},
	}
}

func remove(req *request, spec *PackageSpec, manager string) response {
	return response{
		SetVariables: []variable{
			{Name: variableName(req.Name, "command"), Value: removeCommand(manager, spec), Overwrite: true},
			{Name: variableName(req.Name, "manager"), Value: manager, Overwrite: true},
		},
		DeleteVariables: []string{variableName(req.Name, "state")},
		Logs: []logEntry{{
			Level:   "info",
			Message: fmt.Sprintf("%s: remove %s via %s", req.Name, spec.Package, manager),
		}},
	}
}

// differs reports a change unless the cache already holds the state and
// manager this spec resolves to.
func differs(req *request, spec *PackageSpec, manager string) response {
	same := req.Variables[variableName(req.Name, "state")] == spec.State &&
		req.Variables[variableName(req.Name, "manager")] == manager
	changed := !same
	return response{Differs: &changed}
}

func variableName(name, field string) string {
	return kindName + ":" + name + ":" + field
}

// validatePackageSpec validates a package spec and defaults its state.
func validatePackageSpec(spec *PackageSpec) error {
	if spec.Package == "" {
		return fmt.Errorf("package name is required")
	}

	if spec.State == "" {
		spec.State = StatePresent
	}

	switch spec.State {
	case StatePresent, StateAbsent, StateLatest:
	default:
		return fmt.Errorf("invalid state: %s (must be present, absent, or latest)", spec.State)
	}

	if spec.Manager != "" && !isValidPackageManager(spec.Manager) {
		return fmt.Errorf("invalid package manager: %s", spec.Manager)
	}

	if spec.State == StateAbsent && spec.Version != "" {
		return fmt.Errorf("version cannot be specified when state is absent")
	}

	if spec.State == StateLatest && spec.Version != "" {
		return fmt.Errorf("version cannot be specified when state is latest")
	}

	return nil
}

// resolvePackageManager picks the spec's manager, else the package_manager
// value of the target environment.
func resolvePackageManager(requested string, values map[string]interface{}) (string, error) {
	if requested != "" {
		return requested, nil
	}
	if v, ok := values[ValuePackageManager].(string); ok && v != "" {
		if !isValidPackageManager(v) {
			return "", fmt.Errorf("invalid package manager value: %s", v)
		}
		return v, nil
	}
	return "", fmt.Errorf("package manager must be set in the spec or the %s value", ValuePackageManager)
}

// isValidPackageManager checks if a package manager is supported.
func isValidPackageManager(manager string) bool {
	switch manager {
	case "apt", "dnf", "yum", "zypper":
		return true
	}
	return false
}

// packageRef is the package argument, pinned to Version when set.
func packageRef(manager string, spec *PackageSpec) string {
	if spec.Version == "" {
		return spec.Package
	}
	switch manager {
	case "apt":
		return spec.Package + "=" + spec.Version
	case "zypper":
		return spec.Package + "=" + spec.Version
	default:
		return spec.Package + "-" + spec.Version
	}
}

func installCommand(manager string, spec *PackageSpec) []string {
	var argv []string
	switch manager {
	case "apt":
		argv = []string{"apt-get", "install", "-y"}
		if spec.Repository != "" {
			argv = append(argv, "-t", spec.Repository)
		}
	case "zypper":
		argv = []string{"zypper", "--non-interactive", "install"}
		if spec.Repository != "" {
			argv = append(argv, "--from", spec.Repository)
		}
	default:
		argv = []string{manager, "install", "-y"}
		if spec.Repository != "" {
			argv = append(argv, "--enablerepo="+spec.Repository)
		}
	}
	argv = append(argv, spec.Options...)
	return append(argv, packageRef(manager, spec))
}

func upgradeCommand(manager string, spec *PackageSpec) []string {
	var argv []string
	switch manager {
	case "apt":
		argv = []string{"apt-get", "install", "-y", "--only-upgrade"}
	case "zypper":
		argv = []string{"zypper", "--non-interactive", "update"}
	default:
		argv = []string{manager, "upgrade", "-y"}
	}
	argv = append(argv, spec.Options...)
	return append(argv, spec.Package)
}

func removeCommand(manager string, spec *PackageSpec) []string {
	var argv []string
	switch manager {
	case "apt":
		argv = []string{"apt-get", "remove", "-y"}
	case "zypper":
		argv = []string{"zypper", "--non-interactive", "remove"}
	default:
		argv = []string{manager, "remove", "-y"}
	}
	argv = append(argv, spec.Options...)
	return append(argv, spec.Package)
}

// commandLine renders argv for logs.
func commandLine(argv []string) string {
	return strings.Join(argv, " ")
}
