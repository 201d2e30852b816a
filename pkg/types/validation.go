package types

import (
	"regexp"
	"strings"
)

// Compiled once; used on every inbound realtime event.
var subjectIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const maxContentBytes = 65536

// ParseMode accepts any casing and defaults the empty string to PRACTICE.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToUpper(strings.TrimSpace(raw))) {
	case "", ModePractice:
		return ModePractice, nil
	case ModeFormal:
		return ModeFormal, nil
	default:
		return "", ErrInvalidMode
	}
}

// ParseSpeaker accepts AI and SUBJECT in any casing. CANDIDATE is kept as an
// alias because older clients still send it.
func ParseSpeaker(raw string) (Speaker, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(SpeakerAI):
		return SpeakerAI, nil
	case string(SpeakerSubject), "CANDIDATE":
		return SpeakerSubject, nil
	default:
		return "", ErrInvalidSpeaker
	}
}

// ParseContentKind defaults the empty string to TEXT.
func ParseContentKind(raw string) (ContentKind, error) {
	switch ContentKind(strings.ToUpper(strings.TrimSpace(raw))) {
	case "", ContentText:
		return ContentText, nil
	case ContentAudio:
		return ContentAudio, nil
	default:
		return "", ErrInvalidContentKind
	}
}

// IsValidSubjectID checks the subject identifier format. The system caller
// ID is reserved and never a valid subject.
func IsValidSubjectID(subjectID string) bool {
	if len(subjectID) < 1 || len(subjectID) > 64 || subjectID == SystemCallerID {
		return false
	}
	return subjectIDRegex.MatchString(subjectID)
}

// ValidateContent rejects blank or oversized turn content.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	if len(content) > maxContentBytes {
		return ErrContentTooLarge
	}
	return nil
}

// ClampElapsed bounds elapsed seconds to [0, budget].
func ClampElapsed(elapsed, budget int) int {
	if elapsed < 0 {
		return 0
	}
	if elapsed > budget {
		return budget
	}
	return elapsed
}
