package router

import (
	"github.com/ajitpratap0/dfengine/pkg/connector/core"
	"github.com/ajitpratap0/dfengine/pkg/connector/registry"
)

func init() {
	registry.MustRegister(core.Factory{
		URN: URN,
		Ports: core.PortSpec{
			Optional: []string{"logs", "metrics", "traces", core.DefaultPort},
		},
		New: New,
	})
}
