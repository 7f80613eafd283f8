package worker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.od2.network/matchmaker/cmd/providers/providerstest"
	"go.uber.org/fx"
)

func TestApp(t *testing.T) {
	providerstest.Validate(t, fx.Invoke(Run))
}

func TestLeaseOwner(t *testing.T) {
	a, b := leaseOwner(), leaseOwner()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.Contains(a, "/"))
}
