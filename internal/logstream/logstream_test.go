package logstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamName(t *testing.T) {
	assert.Equal(t, "sleep/default/abc", Default{}.StreamName("sleep", "abc"))
	assert.Equal(t, "batch/sleep/default/abc", Prefixed{Prefix: "batch"}.StreamName("sleep", "abc"))
	assert.Equal(t, "sleep/default/abc", Prefixed{}.StreamName("sleep", "abc"))
}
