// Package all links every built-in plugin into the global registry. Import it
// for its side effects.
package all

import (
	_ "github.com/ajitpratap0/dfengine/pkg/connector/exporters/debug"
	_ "github.com/ajitpratap0/dfengine/pkg/connector/exporters/file"
	_ "github.com/ajitpratap0/dfengine/pkg/connector/exporters/kafka"
	_ "github.com/ajitpratap0/dfengine/pkg/connector/exporters/noop"
	_ "github.com/ajitpratap0/dfengine/pkg/connector/exporters/s3"
	_ "github.com/ajitpratap0/dfengine/pkg/connector/processors/batch"
	_ "github.com/ajitpratap0/dfengine/pkg/connector/processors/retry"
	_ "github.com/ajitpratap0/dfengine/pkg/connector/processors/router"
	_ "github.com/ajitpratap0/dfengine/pkg/connector/receivers/fakedata"
	_ "github.com/ajitpratap0/dfengine/pkg/connector/receivers/ingest"
)
