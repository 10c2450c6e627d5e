package lmtp

import "time"

// nowFunc is indirected so tests can pin the trace header timestamp.
var nowFunc = time.Now
