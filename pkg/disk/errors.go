package disk

import "errors"

// ErrCorruption marks a page that failed its CRC32 check on read. It is
// always surfaced wrapped in the engine's Corruption error kind (see
// pkg/errors.NewCorruption), so callers can classify with KindOf or
// match the sentinel itself with errors.Is.
var ErrCorruption = errors.New("disk: page failed checksum validation")
