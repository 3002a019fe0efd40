package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeys_Builders(t *testing.T) {
	assert.Equal(t, "webrun:{archive}:record:t1", Record("t1"))
	assert.Equal(t, "webrun:{archive}:index:failed", Index("failed"))
	assert.Equal(t, "webrun:events:task:t1", Events("t1"))
	assert.Equal(t, "webrun:events:global", Events(""))
}

func TestKeys_ForArchive(t *testing.T) {
	a := ForArchive()
	assert.Equal(t, "webrun:{archive}:index:completed", a.Completed)
	assert.Equal(t, "webrun:{archive}:index:failed", a.Failed)
	assert.Equal(t, "webrun:{archive}:index:cancelled", a.Cancelled)
}
