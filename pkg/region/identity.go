package region

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// NamespacesRootEnv overrides the directory that holds namespace regions.
const NamespacesRootEnv = "SHMCACHE_NAMESPACES_ROOT"

// FileExt is the extension of namespace region files.
const FileExt = ".shc"

// maxNamespaceLen bounds namespace names so they fit the header tag.
const maxNamespaceLen = 64

// Identity names a region. Exactly one of Namespace or Filename must be set.
//
// A Namespace resolves to "<root>/<namespace>.shc" where root is the Dir
// option, $SHMCACHE_NAMESPACES_ROOT, /dev/shm/shmcache or $TMPDIR/shmcache,
// in that order. A Filename is used as given (made absolute).
type Identity struct {
	Namespace string
	Filename  string
}

// Validate reports whether the identity is usable.
func (id Identity) Validate() error {
	switch {
	case id.Namespace == "" && id.Filename == "":
		return fmt.Errorf("one of namespace or filename is required: %w", ErrInvalidIdentity)
	case id.Namespace != "" && id.Filename != "":
		return fmt.Errorf("namespace and filename are mutually exclusive: %w", ErrInvalidIdentity)
	case id.Namespace != "":
		return validateNamespace(id.Namespace)
	default:
		return nil
	}
}

// Tag returns the short name recorded in the region header: the namespace,
// or the base name of the file.
func (id Identity) Tag() string {
	if id.Namespace != "" {
		return id.Namespace
	}

	return filepath.Base(id.Filename)
}

func (id Identity) String() string {
	if id.Namespace != "" {
		return "namespace " + id.Namespace
	}

	return "file " + id.Filename
}

// Resolve returns the absolute backing file path for id.
func Resolve(id Identity, dir string) (string, error) {
	if err := id.Validate(); err != nil {
		return "", err
	}

	if id.Filename != "" {
		abs, err := filepath.Abs(id.Filename)
		if err != nil {
			return "", fmt.Errorf("resolve %q: %w", id.Filename, err)
		}

		return abs, nil
	}

	root, err := filepath.Abs(NamespacesRoot(dir))
	if err != nil {
		return "", fmt.Errorf("resolve namespace root: %w", err)
	}

	return filepath.Join(root, id.Namespace+FileExt), nil
}

// NamespacesRoot returns the directory namespace regions live in.
func NamespacesRoot(dir string) string {
	if dir != "" {
		return dir
	}

	if env := os.Getenv(NamespacesRootEnv); env != "" {
		return env
	}

	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm/shmcache"
	}

	return filepath.Join(os.TempDir(), "shmcache")
}

func validateNamespace(ns string) error {
	if len(ns) > maxNamespaceLen {
		return fmt.Errorf("namespace %q longer than %d bytes: %w", ns, maxNamespaceLen, ErrInvalidIdentity)
	}

	if strings.HasPrefix(ns, ".") {
		return fmt.Errorf("namespace %q must not start with '.': %w", ns, ErrInvalidIdentity)
	}

	for _, r := range ns {
		ok := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-' || r == '.'
		if !ok {
			return fmt.Errorf("namespace %q contains %q (allowed: letters, digits, '_', '-', '.'): %w", ns, r, ErrInvalidIdentity)
		}
	}

	return nil
}
