package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetAllowedOriginsFromEnv(t *testing.T) {
	t.Setenv("TEST_ORIGINS", "http://localhost:3000,https://play.example.com")

	origins := GetAllowedOriginsFromEnv("TEST_ORIGINS", []string{"http://fallback"})
	assert.Equal(t, []string{"http://localhost:3000", "https://play.example.com"}, origins)
}

func TestGetAllowedOriginsFromEnv_Default(t *testing.T) {
	t.Setenv("TEST_ORIGINS", "")

	origins := GetAllowedOriginsFromEnv("TEST_ORIGINS", []string{"http://fallback"})
	assert.Equal(t, []string{"http://fallback"}, origins)
}

func TestOriginAllowed(t *testing.T) {
	allowed := []string{"http://localhost:3000", " https://play.example.com"}

	assert.True(t, OriginAllowed("http://localhost:3000", allowed))
	assert.True(t, OriginAllowed("https://play.example.com", allowed), "allow-list entries are trimmed")
	assert.True(t, OriginAllowed("", allowed), "non-browser clients send no origin")
	assert.False(t, OriginAllowed("https://evil.example.com", allowed))
}
