package web

import (
	"errors"
	"regexp"
	"strings"
	"unicode"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

const maxNicknameLength = 30

var nicknamePattern = regexp.MustCompile(`^[A-Za-z\[\]\\` + "`" + `_^{|}][A-Za-z0-9\[\]\\` + "`" + `_^{|}-]*$`)

func validateEmail(email string) error {
	return validation.Validate(email,
		validation.Required,
		validation.Length(3, 254),
		validation.By(func(value any) error {
			if s, _ := value.(string); strings.HasPrefix(s, "-") {
				return errors.New("may not start with a dash")
			}
			return nil
		}),
		is.EmailFormat,
	)
}

func validateNickname(nickname string) error {
	return validation.Validate(nickname,
		validation.Required,
		validation.Length(1, maxNicknameLength),
		validation.Match(nicknamePattern).Error("must be a valid IRC nickname"),
	)
}

func validatePassword(password string) error {
	return validation.Validate(password,
		validation.Required,
		validation.By(func(value any) error {
			s, _ := value.(string)
			if strings.IndexFunc(s, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
				return errors.New("may not contain spaces or control characters")
			}
			return nil
		}),
	)
}
