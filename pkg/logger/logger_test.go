package logx

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestWithFieldsAttachesNonEmptyFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := zerolog.New(&buf)
	ctx := base.WithContext(context.Background())

	ctx = WithFields(ctx, map[string]string{"run_id": "r-1", "tenant_id": ""})
	zerolog.Ctx(ctx).Info().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"run_id":"r-1"`)
	assert.NotContains(t, out, "tenant_id")
}
