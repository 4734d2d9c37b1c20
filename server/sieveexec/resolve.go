package sieveexec

import (
	"strings"
)

const (
	addrBookURNPrefix  = "urn:ietf:params:sieve:addrbook:"
	addrBookAbbrPrefix = ":addrbook:"
	defaultBookName    = "Default"
)

// ParseAddressBookRef recognizes address-book references in either the full
// IETF urn form or the abbreviated form, returning the book name. The name
// "Default" is matched case-insensitively and normalized to canonical case.
func ParseAddressBookRef(target string) (string, bool) {
	var name string
	switch {
	case strings.HasPrefix(strings.ToLower(target), addrBookURNPrefix):
		name = target[len(addrBookURNPrefix):]
	case strings.HasPrefix(strings.ToLower(target), addrBookAbbrPrefix):
		name = target[len(addrBookAbbrPrefix):]
	default:
		return "", false
	}
	if name == "" {
		name = defaultBookName
	}
	if strings.EqualFold(name, defaultBookName) {
		name = defaultBookName
	}
	return name, true
}
