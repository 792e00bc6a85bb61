package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"workq/internal/runner"
)

func TestRegister(t *testing.T) {
	reg := runner.NewRegistry()
	Register(reg, "example")
	assert.Equal(t, []string{"example.dummy", "example.http", "example.shell"}, reg.Names())
}
