package user

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Admin ")
	assert.NoError(t, err)
	assert.Equal(t, RoleAdmin, r)
	assert.True(t, r.IsAdmin())

	_, err = ParseRole("librarian")
	assert.Error(t, err)
}

func TestValidateEmail(t *testing.T) {
	for _, ok := range []string{"a@b.com", "first.last@uni.edu.pk"} {
		assert.NoError(t, ValidateEmail(ok), ok)
	}
	for _, bad := range []string{"", "a@b", "ab.com", "Name <a@b.com>", "a@b.com."} {
		assert.Error(t, ValidateEmail(bad), bad)
	}
}

func TestValidatePassword(t *testing.T) {
	assert.Error(t, ValidatePassword("short"))
	assert.NoError(t, ValidatePassword(strings.Repeat("x", MinPasswordLen)))
	assert.NoError(t, ValidatePassword(strings.Repeat("x", MaxPasswordLen)))
	assert.Error(t, ValidatePassword(strings.Repeat("x", MaxPasswordLen+1)))
}

func TestValidatePassword_CountsCharactersNotBytes(t *testing.T) {
	assert.NoError(t, ValidatePassword(strings.Repeat("é", MaxPasswordLen)))
	assert.Error(t, ValidatePassword(strings.Repeat("é", MinPasswordLen-3)))
	assert.Error(t, ValidatePassword(strings.Repeat("é", MaxPasswordLen+1)))
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "a@b.com", NormalizeEmail("  A@B.com "))
}
