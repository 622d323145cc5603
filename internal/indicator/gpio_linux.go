//go:build linux

package indicator

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

// openLine finds lineName on chip, or on any gpiochip when chip is empty,
// and requests it as an output driven low.
func openLine(chip, lineName string) (line, error) {
	var candidates []string
	if chip != "" {
		if !strings.HasPrefix(chip, "/") {
			chip = filepath.Join("/dev", chip)
		}
		candidates = append(candidates, chip)
	} else {
		entries, _ := os.ReadDir("/dev")
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), "gpiochip") {
				candidates = append(candidates, filepath.Join("/dev", e.Name()))
			}
		}
	}

	for _, name := range candidates {
		c, err := gpiocdev.NewChip(name)
		if err != nil {
			continue
		}
		offset, err := c.FindLine(lineName)
		if err != nil {
			_ = c.Close()
			continue
		}
		l, err := c.RequestLine(offset, gpiocdev.AsOutput(0), gpiocdev.WithConsumer("rtkbridge-fix"))
		if err != nil {
			_ = c.Close()
			continue
		}
		return &gpioLine{chip: c, line: l}, nil
	}
	return nil, fmt.Errorf("indicator: gpio line %q not found (or busy)", lineName)
}

var openLineFn = openLine

type gpioLine struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

func (g *gpioLine) SetValue(v int) error { return g.line.SetValue(v) }

func (g *gpioLine) Close() error {
	err := g.line.Close()
	_ = g.chip.Close()
	return err
}
