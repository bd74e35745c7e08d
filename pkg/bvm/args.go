package bvm

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Args are manager request arguments: a flat name to value map.
type Args map[string]string

// ParseArgs parses "k=v,k2=v2". Whitespace around names and values is
// trimmed; an empty string yields no arguments.
func ParseArgs(s string) (Args, error) {
	a := Args{}
	if strings.TrimSpace(s) == "" {
		return a, nil
	}
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: %q", ErrArgInvalid, kv)
		}
		a[k] = strings.TrimSpace(v)
	}
	return a, nil
}

// Set sets an argument.
func (a Args) Set(name, v string) {
	a[name] = v
}

// Names returns the argument names in order.
func (a Args) Names() []string {
	names := make([]string, 0, len(a))
	for k := range a {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// String formats the arguments in parseable form.
func (a Args) String() string {
	names := a.Names()
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = k + "=" + a[k]
	}
	return strings.Join(parts, ",")
}

// Text returns an optional text argument.
func (a Args) Text(name string) (string, bool) {
	v, ok := a[name]
	return v, ok
}

// Num returns an optional number, decimal or 0x-prefixed hex.
func (a Args) Num(name string) (uint64, bool, error) {
	v, ok := a[name]
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return 0, true, fmt.Errorf("%w: %s=%q", ErrArgInvalid, name, v)
	}
	return n, true, nil
}

// Blob returns optional hex-encoded bytes.
func (a Args) Blob(name string) ([]byte, bool, error) {
	v, ok := a[name]
	if !ok {
		return nil, false, nil
	}
	b, err := hex.DecodeString(strings.TrimPrefix(v, "0x"))
	if err != nil {
		return nil, true, fmt.Errorf("%w: %s=%q", ErrArgInvalid, name, v)
	}
	return b, true, nil
}

// RequireText returns a mandatory text argument.
func (a Args) RequireText(name string) (string, error) {
	v, ok := a.Text(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrArgMissing, name)
	}
	return v, nil
}

// RequireNum returns a mandatory number argument.
func (a Args) RequireNum(name string) (uint64, error) {
	v, ok, err := a.Num(name)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrArgMissing, name)
	}
	return v, nil
}

// RequireBlob returns a mandatory blob argument.
func (a Args) RequireBlob(name string) ([]byte, error) {
	v, ok, err := a.Blob(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrArgMissing, name)
	}
	return v, nil
}
