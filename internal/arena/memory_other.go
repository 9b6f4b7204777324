//go:build !unix

package arena

import "errors"

func mapMemory(size int) ([]byte, func() error, error) {
	return nil, nil, errors.New("anonymous mapping unsupported on this platform")
}
