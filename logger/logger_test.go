package logger

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskJWT(t *testing.T) {
	assert.Equal(t, "", MaskJWT(""))
	assert.Equal(t, "*****", MaskJWT("short"))
	assert.Equal(t, "eyJ...xyz", MaskJWT("eyJhbGciOiJIUzI1NiJ9.payload.sigxyz"))
}

func TestMaskSensitiveString(t *testing.T) {
	assert.Equal(t, "****", MaskSensitiveString("abcd", 2, 2))
	assert.Equal(t, "ab...yz", MaskSensitiveString("abcdefghijklmnopqrstuvwxyz", 2, 2))
}

func TestMaskURLToken(t *testing.T) {
	masked := MaskURLToken("wss://push.example.com/ws?token=eyJhbGciOiJIUzI1NiJ9.payload.sigxyz&userId=7")

	assert.NotContains(t, masked, "payload")
	assert.Contains(t, masked, "userId=7")
	assert.Contains(t, masked, "token=eyJ...xyz")
}

func TestGetLogger_Singleton(t *testing.T) {
	IsTest = true
	a := GetLogger()
	b := GetLogger()
	assert.Same(t, a, b)
}

func TestFilterSensitiveHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer abc")
	h.Set("X-Api-Key", "k")
	h.Set("X-Request-ID", "req-1")

	filtered := filterSensitiveHeaders(h)
	assert.Equal(t, "[REDACTED]", filtered["Authorization"])
	assert.Equal(t, "[REDACTED]", filtered["X-Api-Key"])
	assert.Equal(t, "req-1", filtered["X-Request-Id"])
}

func TestErrorType(t *testing.T) {
	assert.Equal(t, "", errorType(nil))
	assert.Equal(t, "errorString", errorType(errors.New("x")))
}

func TestGetStackTrace(t *testing.T) {
	trace := getStackTrace(1)
	assert.Contains(t, trace, "TestGetStackTrace")
	assert.NotContains(t, trace, "runtime.Callers")
}
