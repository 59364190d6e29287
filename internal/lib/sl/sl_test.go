package sl_test

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/magabrotheeeer/signals-bot/internal/lib/sl"
)

func TestErr_ReturnsCorrectAttr(t *testing.T) {
	err := errors.New("something went wrong")
	attr := sl.Err(err)

	assert.Equal(t, "error", attr.Key)
	assert.Equal(t, slog.StringValue("something went wrong"), attr.Value)
}

func TestErr_NilError(t *testing.T) {
	attr := sl.Err(nil)

	assert.Equal(t, "error", attr.Key)
	assert.Equal(t, "<nil>", attr.Value.String())
}

func TestSubID(t *testing.T) {
	attr := sl.SubID(42)

	assert.Equal(t, "subscription_id", attr.Key)
	assert.Equal(t, int64(42), attr.Value.Int64())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	sl.NewLogger(sl.EnvProd, &buf).Debug("hidden")
	sl.NewLogger(sl.EnvProd, &buf).Info("shown", slog.String("k", "v"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)

	buf.Reset()
	sl.NewLogger(sl.EnvLocal, &buf).Debug("debug line")
	assert.Contains(t, buf.String(), "msg=\"debug line\"")
}
