package redact

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRedactorRedactsKeysAndValues(t *testing.T) {
	r := New("GRID_PASSPHRASE")
	r.AddValues("postgres://fg:s3cretpw@db/fgapiserver")

	input := `password=hunter2 GRID_PASSPHRASE="open sesame" {"private_key":"-----BEGIN"} proxy: x509up_u1000 ` +
		`dsn postgres://fg:s3cretpw@db/fgapiserver Authorization: Bearer 0123abcd`
	output := r.Redact(input)

	for _, secret := range []string{"hunter2", "open sesame", "-----BEGIN", "x509up_u1000", "s3cretpw", "0123abcd"} {
		assert.NotContains(t, output, secret)
	}
	assert.Contains(t, output, "password="+Value)
	assert.Contains(t, output, `GRID_PASSPHRASE="`+Value+`"`)
	assert.Contains(t, output, `"private_key":"`+Value+`"`)
	assert.Contains(t, output, "Bearer "+Value)
}

func TestRedactorIgnoresShortValues(t *testing.T) {
	r := New()
	r.AddValues("on", "  ")
	assert.Equal(t, "task is on hold", r.Redact("task is on hold"))

	var nilRedactor *Redactor
	assert.Equal(t, "password=x", nilRedactor.Redact("password=x"))
	assert.False(t, nilRedactor.IsSensitiveKey("password"))
}

func TestCoreScrubsFields(t *testing.T) {
	observed, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(Core(observed, New()))

	logger.With(zap.String("password", "hunter2")).Info("login with token=abcdef123",
		zap.String("note", "used Bearer zzz999"),
		zap.Error(errors.New("connect: password=pw123 refused")),
		zap.Int("attempt", 2))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "login with token="+Value, entry.Message)
	ctx := entry.ContextMap()
	assert.Equal(t, Value, ctx["password"])
	assert.Equal(t, "used Bearer "+Value, ctx["note"])
	assert.False(t, strings.Contains(ctx["error"].(string), "pw123"))
	assert.EqualValues(t, 2, ctx["attempt"])
}

func TestCoreRespectsLevel(t *testing.T) {
	observed, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(Core(observed, New()))
	logger.Info("dropped")
	logger.Warn("kept")
	assert.Equal(t, 1, logs.Len())
}
