//go:build !rtdebug

package rt

const debugAssertions = false

func assertPointerAligned(RecordCategory, int, uint64) {}
