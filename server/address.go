package server

import (
	"fmt"
	"regexp"
	"strings"
)

// RFC 5322 compliant email validation regexes.
const LocalPartRegex = `^(?i)(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+(?:\.(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+)*$`
const DomainNameRegex = `^(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`

var (
	localPartRe = regexp.MustCompile(LocalPartRegex)
	domainRe    = regexp.MustCompile(DomainNameRegex)
)

type Address struct {
	fullAddress string
	localPart   string
	domain      string
	detail      string
}

// NewAddress parses and validates an email address, extracting any +detail
// suffix from the local part.
func NewAddress(address string) (Address, error) {
	input := strings.ToLower(strings.TrimSpace(address))

	if input == "" {
		return Address{}, fmt.Errorf("address is empty")
	}
	if strings.ContainsAny(input, " \t\n\r") {
		return Address{}, fmt.Errorf("address contains whitespace: '%s'", input)
	}

	localPart, domain, found := strings.Cut(input, "@")
	if !found {
		return Address{}, fmt.Errorf("address missing @: '%s'", input)
	}
	if strings.Contains(domain, "@") {
		return Address{}, fmt.Errorf("too many @ symbols in address: '%s'", input)
	}

	if !localPartRe.MatchString(localPart) {
		return Address{}, fmt.Errorf("unacceptable local part: '%s'", localPart)
	}
	if !domainRe.MatchString(domain) {
		return Address{}, fmt.Errorf("unacceptable domain: '%s'", domain)
	}

	detail := ""
	if plusIndex := strings.Index(localPart, "+"); plusIndex != -1 {
		detail = localPart[plusIndex+1:]
	}

	return Address{
		fullAddress: input,
		localPart:   localPart,
		domain:      domain,
		detail:      detail,
	}, nil
}

func (a Address) FullAddress() string {
	return a.fullAddress
}

func (a Address) LocalPart() string {
	return a.localPart
}

func (a Address) Domain() string {
	return a.domain
}

func (a Address) Detail() string {
	return a.detail
}

// BaseLocalPart returns the local part without the detail (everything before the "+").
func (a Address) BaseLocalPart() string {
	if plusIndex := strings.Index(a.localPart, "+"); plusIndex != -1 {
		return a.localPart[:plusIndex]
	}
	return a.localPart
}

// BaseAddress returns the address without the detail part (e.g., "user@domain.com" from "user+detail@domain.com").
func (a Address) BaseAddress() string {
	return a.BaseLocalPart() + "@" + a.domain
}
