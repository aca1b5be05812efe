package arch

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Architecture is a guest CPU architecture as named by qemu/libvirt.
type Architecture string

// Architectures the platform ships server builds for.
const (
	X86_64  Architecture = "x86_64"
	AArch64 Architecture = "aarch64"
)

// Supported returns the full list of supported architectures.
func Supported() []Architecture {
	return []Architecture{X86_64, AArch64}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case X86_64, AArch64:
		return true
	default:
		return false
	}
}

func (a Architecture) String() string {
	return string(a)
}

// Parse returns the canonical Architecture for the provided string or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if a := Normalize(value); a != "" {
		return a, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// Normalize maps Go and distribution spellings onto the canonical name.
// Returns "" when the string cannot be normalized.
func Normalize(value string) Architecture {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(X86_64), "x86-64", "amd64":
		return X86_64
	case string(AArch64), "arm64":
		return AArch64
	default:
		return ""
	}
}

// Host returns the architecture of the machine running this process, or ""
// when it is not a supported guest architecture.
func Host() Architecture {
	return Normalize(runtime.GOARCH)
}

// NeedsEmulation reports whether a guest of architecture a cannot use
// hardware acceleration on the host.
func (a Architecture) NeedsEmulation() bool {
	return a != Host()
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
