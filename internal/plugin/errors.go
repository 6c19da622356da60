package plugin

import "errors"

// Plugin manager errors.
var (
	// ErrPluginNotFound is returned when a plugin is not registered.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrPluginAlreadyLoaded is returned when loading a duplicate name.
	ErrPluginAlreadyLoaded = errors.New("plugin already loaded")

	// ErrPluginDisabled is returned when invoking a disabled plugin.
	ErrPluginDisabled = errors.New("plugin disabled")

	// ErrForbiddenImport is returned when plugin code imports a package
	// outside its granted whitelist.
	ErrForbiddenImport = errors.New("forbidden import")

	// ErrNoHandle is returned when plugin code does not define Handle.
	ErrNoHandle = errors.New("plugin does not define Handle(action string, payload map[string]any) (map[string]any, error)")

	// ErrManifestInvalid is returned when a plugin manifest fails validation.
	ErrManifestInvalid = errors.New("invalid plugin manifest")
)
