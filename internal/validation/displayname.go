// Package validation проверяет пользовательский ввод на границах
// системы: имена устройств попадают в mDNS-анонсы и в trust store
// других установок, поэтому формат ограничен.
package validation

import (
	"fmt"
	"regexp"
)

// DisplayNamePattern определяет допустимый формат имени устройства:
// буквы, цифры, пробел, дефис, точка и нижнее подчеркивание.
// Длина: 1-48 символов. Знак '=' недопустим: имя попадает в TXT-записи.
var DisplayNamePattern = regexp.MustCompile(`^[a-zA-Z0-9 ._-]{1,48}$`)

// MaxDisplayNameLen максимальная длина имени устройства
const MaxDisplayNameLen = 48

// ValidateDisplayName проверяет имя устройства
func ValidateDisplayName(name string) error {
	if name == "" {
		return fmt.Errorf("display name cannot be empty")
	}

	if len(name) > MaxDisplayNameLen {
		return fmt.Errorf("display name must not exceed %d characters", MaxDisplayNameLen)
	}

	if !DisplayNamePattern.MatchString(name) {
		return fmt.Errorf("display name can only contain letters, numbers, spaces, dots, hyphens and underscores")
	}

	return nil
}
