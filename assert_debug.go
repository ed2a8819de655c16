//go:build rtdebug

package rt

import "fmt"

const debugAssertions = true

func assertPointerAligned(category RecordCategory, index int, offset uint64) {
	if offset%8 != 0 {
		panic(fmt.Sprintf("rt: %s record %d: pointer argument at table offset %d is not 8-byte aligned", category, index, offset))
	}
}
