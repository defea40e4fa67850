package consts

import "time"

const (
	ReadBufferSize = 32 * 1024

	// FeedIterationLimit bounds consecutive http1.Framer state-machine passes
	// that consume no input. A well-formed stream shrinks the buffer as it is
	// parsed; hitting the limit is a parse error.
	FeedIterationLimit = 128

	DefaultBacklog        = 128
	DefaultDialTimeout    = 30 * time.Second
	DefaultMaxHeaderBytes = 64 * 1024
	DefaultMaxChunkSize   = 1 << 31 // chunk size lines above this overflow

	DefaultPerKeyCap     = 6
	DefaultGlobalCap     = 256
	DefaultPerKeyFreeCap = 2
)
