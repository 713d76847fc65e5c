package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// InvalidOrder is the reply to any rejected command.
const InvalidOrder = "Invalid Order"

func FormatPlaced(id uint64) string {
	return fmt.Sprintf("Order %d placed.", id)
}

func FormatCanceled(id uint64) string {
	return fmt.Sprintf("Order %d canceled.", id)
}

type ReplyKind int

const (
	ReplyInvalid ReplyKind = iota
	ReplyPlaced
	ReplyCanceled
)

type Reply struct {
	Kind    ReplyKind
	OrderID uint64
}

// ParseReply is the client-side inverse of the Format functions.
func ParseReply(line string) (Reply, error) {
	line = strings.TrimSpace(line)
	if line == InvalidOrder {
		return Reply{Kind: ReplyInvalid}, nil
	}

	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "Order" {
		return Reply{}, fmt.Errorf("unexpected reply %q", line)
	}
	id, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return Reply{}, fmt.Errorf("unexpected reply %q: %w", line, err)
	}
	switch fields[2] {
	case "placed.":
		return Reply{Kind: ReplyPlaced, OrderID: id}, nil
	case "canceled.":
		return Reply{Kind: ReplyCanceled, OrderID: id}, nil
	}
	return Reply{}, fmt.Errorf("unexpected reply %q", line)
}
