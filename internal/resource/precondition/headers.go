package precondition

// HeaderNames names the request headers the parser reads. It is passed by
// value at construction and never mutated afterwards.
type HeaderNames struct {
	IfMatch         string
	IfNoneMatch     string
	IfModifiedSince string
	IfNoneExist     string
}

// DefaultHeaderNames returns the standard HTTP header names.
func DefaultHeaderNames() HeaderNames {
	return HeaderNames{
		IfMatch:         "If-Match",
		IfNoneMatch:     "If-None-Match",
		IfModifiedSince: "If-Modified-Since",
		IfNoneExist:     "If-None-Exist",
	}
}
