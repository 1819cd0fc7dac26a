package coordination

import "github.com/nexusdb/nexus-go-sdk/internal/xproto"

// Wire-level types re-exported so callers never import the internal
// protocol package.
type (
	SemaphoreDescription = xproto.SemaphoreDescription
	SemaphoreSession     = xproto.SemaphoreSession
)
