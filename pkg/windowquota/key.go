package windowquota

// DefaultKey is shared by all requests when no key source is configured.
const DefaultKey = "global"

// KeySource derives the quota key of a request. It is either a static string
// or a function of the request; the zero value resolves to DefaultKey.
type KeySource[R any] struct {
	static string
	derive func(R) string
}

// StaticKey returns a KeySource that always yields key.
func StaticKey[R any](key string) KeySource[R] {
	return KeySource[R]{static: key}
}

// DerivedKey returns a KeySource that computes the key from the request.
func DerivedKey[R any](fn func(R) string) KeySource[R] {
	return KeySource[R]{derive: fn}
}

// Resolve evaluates the source against req.
func (k KeySource[R]) Resolve(req R) string {
	if k.derive != nil {
		return k.derive(req)
	}
	if k.static != "" {
		return k.static
	}
	return DefaultKey
}

// IsDerived reports whether the key depends on the request.
func (k KeySource[R]) IsDerived() bool {
	return k.derive != nil
}
