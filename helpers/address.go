package helpers

import "strings"

func SplitEmailAddress(email string) (string, string) {
	email = strings.ToLower(email)
	local, domain, _ := strings.Cut(email, "@")
	return local, domain
}

// BaseLocalPart strips +detail addressing from a local part.
func BaseLocalPart(localPart string) string {
	if plusIndex := strings.Index(localPart, "+"); plusIndex != -1 {
		return localPart[:plusIndex]
	}
	return localPart
}
