// Package transports imports the built-in transports so they register with
// the default registry.
package transports

import (
	_ "github.com/drblury/creditflow/transport/channel"
	_ "github.com/drblury/creditflow/transport/rabbitmq"
)
