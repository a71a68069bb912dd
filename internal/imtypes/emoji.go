package imtypes

import (
	"errors"

	"github.com/forPelevin/gomoji"
)

var ErrInvalidEmoji = errors.New("reaction must be exactly one emoji")

// ValidateEmoji checks that s is exactly one emoji with nothing around it.
func ValidateEmoji(s string) error {
	if len(gomoji.RemoveEmojis(s)) > 0 {
		return ErrInvalidEmoji
	}
	if len(gomoji.CollectAll(s)) != 1 {
		return ErrInvalidEmoji
	}
	return nil
}
