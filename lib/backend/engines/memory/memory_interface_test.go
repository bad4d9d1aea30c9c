package memory

import (
	"testing"

	backendtesting "github.com/statekit/statekit/lib/backend/testing"
)

func Test(t *testing.T) {
	backendtesting.RunBackendTests(t, "Memory", Factory())
}
