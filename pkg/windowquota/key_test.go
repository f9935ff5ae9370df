package windowquota

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeySource(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User", "alice")

	var zero KeySource[*http.Request]
	assert.Equal(t, DefaultKey, zero.Resolve(req))
	assert.False(t, zero.IsDerived())

	assert.Equal(t, "fixed", StaticKey[*http.Request]("fixed").Resolve(req))

	derived := DerivedKey(func(r *http.Request) string { return "user:" + r.Header.Get("X-User") })
	assert.True(t, derived.IsDerived())
	assert.Equal(t, "user:alice", derived.Resolve(req))
}
