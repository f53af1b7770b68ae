package mq

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithContentType(t *testing.T) {
	attrs := map[string]string{"kind": "otp"}

	out := withContentType(attrs)
	assert.Equal(t, map[string]string{"kind": "otp", "content-type": "application/json"}, out)
	assert.NotContains(t, attrs, "content-type", "caller's attributes are not modified")

	out = withContentType(map[string]string{"content-type": "text/plain"})
	assert.Equal(t, "text/plain", out["content-type"])

	assert.Equal(t, map[string]string{"content-type": "application/json"}, withContentType(nil))
}
