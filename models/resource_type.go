package models

import (
	"path"
	"strings"
)

// ResourceType selects the remote conversion query path.
type ResourceType string

const (
	ResourceTypeStatic  ResourceType = "static"
	ResourceTypeDynamic ResourceType = "dynamic"
)

// DetermineResourceType classifies a resource URL or path by its extension.
// Only .pptx converts dynamically; anything else, including a missing or
// unrecognized extension, is static.
func DetermineResourceType(resource string) ResourceType {
	p := resource
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}

	if strings.ToLower(path.Ext(p)) == ".pptx" {
		return ResourceTypeDynamic
	}
	return ResourceTypeStatic
}
