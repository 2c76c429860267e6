package mcpmgr

// Lightweight helpers for narrowing and inspecting LaunchSpec values without
// forcing consumers to use a type switch at every call site.

// RuntimeOf returns the runtime kind for a LaunchSpec.
// Returns an empty string when the value is nil.
func RuntimeOf(spec LaunchSpec) Runtime {
	if spec == nil {
		return ""
	}
	return spec.Runtime()
}

// IsBinary reports whether spec is a *BinaryLaunch.
func IsBinary(spec LaunchSpec) bool {
	_, ok := spec.(*BinaryLaunch)
	return ok
}

// IsPython reports whether spec is a *PythonLaunch.
func IsPython(spec LaunchSpec) bool {
	_, ok := spec.(*PythonLaunch)
	return ok
}

// IsNode reports whether spec is a *NodeLaunch.
func IsNode(spec LaunchSpec) bool {
	_, ok := spec.(*NodeLaunch)
	return ok
}

// AsBinary narrows spec to *BinaryLaunch, returning (nil, false) when it
// does not match.
func AsBinary(spec LaunchSpec) (*BinaryLaunch, bool) {
	l, ok := spec.(*BinaryLaunch)
	return l, ok
}

// AsPython narrows spec to *PythonLaunch, returning (nil, false) when it
// does not match.
func AsPython(spec LaunchSpec) (*PythonLaunch, bool) {
	l, ok := spec.(*PythonLaunch)
	return l, ok
}

// AsNode narrows spec to *NodeLaunch, returning (nil, false) when it
// does not match.
func AsNode(spec LaunchSpec) (*NodeLaunch, bool) {
	l, ok := spec.(*NodeLaunch)
	return l, ok
}
