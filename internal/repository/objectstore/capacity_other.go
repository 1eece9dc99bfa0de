//go:build !unix

package objectstore

import "errors"

func diskCapacity(string) (int64, int64, error) {
	return 0, 0, errors.New("disk capacity is not available on this platform")
}
