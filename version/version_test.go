package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfo(t *testing.T) {
	dev := Info{CommitHash: "0123456789abcdef", BuildTime: "2026-03-02T10:00:00Z", Version: "dev"}
	assert.Equal(t, "cadence dev (commit 0123456789abcdef, built 2026-03-02T10:00:00Z)", dev.String())
	assert.Equal(t, "0123456", dev.Short())
	assert.Equal(t, "cadence/dev (0123456)", dev.UserAgent())

	tagged := Info{CommitHash: "abc", BuildTime: "now", Version: "v1.2.0"}
	assert.Equal(t, "cadence v1.2.0 (commit abc, built now)", tagged.String())
	assert.Equal(t, "abc", tagged.Short())
}
