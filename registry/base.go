package registry

import "github.com/execbroker/execbroker/toolsource"

// Built-in handler names. The dispatcher's builtin table binds these to
// in-process handlers.
const (
	BuiltinDiscover          = "discover"
	BuiltinCatalogNamespaces = "catalog.namespaces"
	BuiltinCatalogTools      = "catalog.tools"
)

// BaseTools returns the built-in tools merged into every workspace build
// after external sources.
func BaseTools() []toolsource.Definition {
	builtin := func(path, description string) toolsource.Definition {
		return toolsource.Definition{
			Path:        path,
			Description: description,
			Approval:    toolsource.ApprovalAuto,
			Source:      "builtin",
			Run: toolsource.RunSpec{
				Kind:    toolsource.RunBuiltin,
				Builtin: &toolsource.BuiltinRun{Name: path},
			},
		}
	}
	return []toolsource.Definition{
		builtin(BuiltinDiscover, "Search the workspace tool inventory by keyword"),
		builtin(BuiltinCatalogNamespaces, "List tool namespaces available in this workspace"),
		builtin(BuiltinCatalogTools, "List tools in a namespace with their input hints"),
	}
}
