package tree

import "strings"

// SplitPath splits an absolute slash-separated path into components.
// The root path yields no components.
func SplitPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, ErrInvalidPath
	}
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, nil
	}
	comps := strings.Split(trimmed, "/")
	for _, c := range comps {
		if c == "" {
			return nil, ErrInvalidPath
		}
	}
	return comps, nil
}

// SplitRelative splits a relative path such as a torrent file name,
// rejecting empty, "." and ".." components.
func SplitRelative(path string) ([]string, error) {
	if path == "" || strings.HasPrefix(path, "/") {
		return nil, ErrInvalidPath
	}
	comps := strings.Split(path, "/")
	for _, c := range comps {
		if err := ValidName(c); err != nil {
			return nil, err
		}
	}
	return comps, nil
}

// ValidName reports whether name can be a directory entry.
func ValidName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return ErrInvalidPath
	}
	return nil
}

// BuildChildPath constructs a child path from parent + name.
func BuildChildPath(parentPath, name string) string {
	if parentPath == "/" {
		return "/" + name
	}
	return parentPath + "/" + name
}
