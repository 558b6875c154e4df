package config

import "time"

// Production-pipeline tunables (spec §5), following the same package-level
// var convention as config.go's TranscodingParallelJobs /
// DownloadOSURLRetries rather than a config struct, since every other
// process-wide tunable in this package is expressed the same way.

var BatchSizeDefault = 5

var BatchSizeMin = 1

// MemoryWarnFraction and MemoryCritFraction gate the memory-adaptive
// batching described in spec §5: batch size halves at MemoryCritFraction
// heap usage, and is restored stepwise once usage drops back below
// MemoryWarnFraction.
var MemoryWarnFraction = 0.70
var MemoryCritFraction = 0.80

var MaxRetries = 3

var MaxMotionRetries = 3

var InitialRetryDelay = time.Second

var MaxRetryDelay = 30 * time.Second

var LockTimeout = 30 * time.Minute

var MotionPollInterval = 10 * time.Second

var MapClipAttemptTimeout = 5 * time.Minute

var MapClipMaxAttempts = 3
