package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToken(t *testing.T) {
	assert.Equal(t, "***", Token(""))
	assert.Equal(t, "***", Token("short"))
	assert.Equal(t, "***", Token("123456789012"))
	assert.Equal(t, "eyJh...XVCJ", Token("eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ"))
}
