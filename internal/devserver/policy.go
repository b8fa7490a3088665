package devserver

import "regexp"

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`(?:\+?\d{1,2}[\s.-]?)?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}`)
)

// blockedReason is shown to the sender of a refused message.
const blockedReason = "Sharing contact information is not allowed. Keep the conversation on the platform."

// CheckContent returns the content policy violations in content.
func CheckContent(content string) []string {
	var violations []string
	if emailPattern.MatchString(content) {
		violations = append(violations, "email")
	}
	if phonePattern.MatchString(content) {
		violations = append(violations, "phone")
	}
	return violations
}
