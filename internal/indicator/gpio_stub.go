//go:build !linux

package indicator

import "fmt"

func openLine(chip, lineName string) (line, error) {
	return nil, fmt.Errorf("indicator: gpio unsupported on this platform")
}

var openLineFn = openLine
