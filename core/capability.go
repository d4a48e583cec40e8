package core

import (
	"fmt"
	"slices"
)

// Package managers recognized as static server capabilities.
var packageManagerCapabilities = map[string]struct{}{
	"apt":    {},
	"dnf":    {},
	"pacman": {},
	"yum":    {},
}

// HasCapability reports whether a single required capability is satisfied by
// the server's static booleans or by a detected capability row.
func HasCapability(srv *Server, caps []ServerCapability, name string) bool {
	switch name {
	case "docker":
		if srv.DockerAvailable {
			return true
		}
	case "systemd":
		if srv.SystemdAvailable {
			return true
		}
	default:
		if _, ok := packageManagerCapabilities[name]; ok && srv.PackageManager == name {
			return true
		}
	}

	for _, c := range caps {
		if c.Name == name && c.Available {
			return true
		}
	}
	return false
}

// CheckPreconditions gates command execution on the declared capability
// requirements and the optional OS filter. It returns nil when the server
// qualifies, or a *PreconditionError describing the first miss. Precondition
// failures are fatal for the run and never retried.
func CheckPreconditions(srv *Server, caps []ServerCapability, required []string, filter *OSFilter) error {
	for _, name := range required {
		if !HasCapability(srv, caps, name) {
			return &PreconditionError{
				Reason: fmt.Sprintf("server %q missing capability %q", srv.Name, name),
			}
		}
	}

	if filter == nil || len(filter.Distro) == 0 {
		return nil
	}
	if srv.OSDistro == "" {
		return &PreconditionError{
			Reason: fmt.Sprintf("server %q has no detected os distro, required one of %v", srv.Name, filter.Distro),
		}
	}
	if !slices.Contains(filter.Distro, srv.OSDistro) {
		return &PreconditionError{
			Reason: fmt.Sprintf("server %q distro %q not in %v", srv.Name, srv.OSDistro, filter.Distro),
		}
	}
	return nil
}
