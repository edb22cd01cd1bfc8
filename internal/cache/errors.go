package cache

import "errors"

// ErrCorrupt is returned by Load when the cache file cannot be decoded.
var ErrCorrupt = errors.New("cache file corrupt")
