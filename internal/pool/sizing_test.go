package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveDefaultSize_AtLeastOne(t *testing.T) {
	assert.GreaterOrEqual(t, ResolveDefaultSize(), 1)
}
