package xhash

import "errors"

// ErrClosed is returned by every Engine method once Close has been called.
var ErrClosed = errors.New("xhash: engine closed")

// ErrInvalidOptions is returned by Open when Options fail validation.
var ErrInvalidOptions = errors.New("xhash: invalid options")

// ErrDepthExhausted is returned when a segment's local depth has reached the
// maximum of 64 and a bucket within it is still full: the key space is
// genuinely exhausted for that prefix, which the data model treats as a
// fatal condition rather than something a further split could resolve.
var ErrDepthExhausted = errors.New("xhash: segment local depth exhausted")
