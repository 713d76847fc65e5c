// Package protocol implements the text command protocol: parsing of
// B/S/C lines, reply formatting, order id assignment and dispatch into
// the matching engine.
package protocol

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"lobster/internal/orderbook"
)

var (
	// ErrInvalidOrder covers every malformed or out-of-range command.
	ErrInvalidOrder = errors.New("invalid order")
	// ErrEmptyCommand is returned for blank lines, which get no reply.
	ErrEmptyCommand = errors.New("empty command")
)

// MaxValue bounds quantities and prices to 32 bits.
const MaxValue = math.MaxUint32

type CommandType byte

const (
	CmdBuy    CommandType = 'B'
	CmdSell   CommandType = 'S'
	CmdCancel CommandType = 'C'
)

// Command is one parsed protocol line. Quantity and Price are set for
// CmdBuy/CmdSell, OrderID for CmdCancel.
type Command struct {
	Type     CommandType
	Quantity int64
	Price    int64
	OrderID  uint64
}

// Side maps a buy or sell command onto the book side.
func (c Command) Side() orderbook.Side {
	if c.Type == CmdSell {
		return orderbook.Sell
	}
	return orderbook.Buy
}

// Parse reads "B <qty> <price>", "S <qty> <price>" or "C <id>". Tokens
// are separated by any whitespace; extra tokens are an error.
func Parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, ErrEmptyCommand
	}

	switch fields[0] {
	case "B", "S":
		if len(fields) != 3 {
			return Command{}, ErrInvalidOrder
		}
		qty, ok := parsePositive(fields[1])
		if !ok {
			return Command{}, ErrInvalidOrder
		}
		price, ok := parsePositive(fields[2])
		if !ok {
			return Command{}, ErrInvalidOrder
		}
		return Command{Type: CommandType(fields[0][0]), Quantity: qty, Price: price}, nil

	case "C":
		if len(fields) != 2 {
			return Command{}, ErrInvalidOrder
		}
		id, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil || id == 0 {
			return Command{}, ErrInvalidOrder
		}
		return Command{Type: CmdCancel, OrderID: id}, nil
	}
	return Command{}, ErrInvalidOrder
}

func parsePositive(s string) (int64, bool) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 || v > MaxValue {
		return 0, false
	}
	return v, true
}

// ValidOrder reports whether quantity and price are in protocol range.
func ValidOrder(quantity, price int64) bool {
	return quantity > 0 && quantity <= MaxValue && price > 0 && price <= MaxValue
}

// FormatOrder renders a B or S command line.
func FormatOrder(side orderbook.Side, quantity, price int64) string {
	cmd := CmdBuy
	if side == orderbook.Sell {
		cmd = CmdSell
	}
	return fmt.Sprintf("%c %d %d", cmd, quantity, price)
}

// FormatCancel renders a C command line.
func FormatCancel(id uint64) string {
	return fmt.Sprintf("%c %d", CmdCancel, id)
}
