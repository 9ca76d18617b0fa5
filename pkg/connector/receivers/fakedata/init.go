package fakedata

import (
	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/connector/registry"
)

func init() {
	registry.MustRegister(core.Factory{
		URN:   URN,
		Ports: core.PortSpec{Dynamic: true},
		New:   New,
	})
}
