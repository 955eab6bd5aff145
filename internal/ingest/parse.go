// Package ingest accepts client connections and turns their line commands
// into locally originated operations for the event loop.
package ingest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"example.com/causalq/internal/types"
)

var ErrMalformed = errors.New("malformed command")

// ParseCommand reads one line of the form "process:<int>, op:<int>,
// value:<int>", fields in any order. Only invoke opcodes are accepted; the
// returned envelope is addressed from the origin rank to itself.
func ParseCommand(line string, size int) (types.Envelope, error) {
	var (
		process, op, value int64
		seen               = map[string]bool{}
	)
	for _, part := range strings.Split(strings.TrimSpace(line), ",") {
		key, raw, ok := strings.Cut(part, ":")
		if !ok {
			return types.Envelope{}, fmt.Errorf("%w: field %q has no value", ErrMalformed, strings.TrimSpace(part))
		}
		key = strings.TrimSpace(key)
		if seen[key] {
			return types.Envelope{}, fmt.Errorf("%w: duplicate field %q", ErrMalformed, key)
		}
		seen[key] = true

		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return types.Envelope{}, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
		}
		switch key {
		case "process":
			process = n
		case "op":
			op = n
		case "value":
			value = n
		default:
			return types.Envelope{}, fmt.Errorf("%w: unknown field %q", ErrMalformed, key)
		}
	}
	for _, k := range []string{"process", "op", "value"} {
		if !seen[k] {
			return types.Envelope{}, fmt.Errorf("%w: missing %s", ErrMalformed, k)
		}
	}

	if process < 0 || process >= int64(size) {
		return types.Envelope{}, fmt.Errorf("%w: process %d not in [0,%d)", ErrMalformed, process, size)
	}
	code := types.Opcode(op)
	if code != types.OpEnqInvoke && code != types.OpDeqInvoke {
		return types.Envelope{}, fmt.Errorf("%w: op %d is not an invoke", ErrMalformed, op)
	}

	origin := types.Rank(process)
	return types.Envelope{
		From: origin,
		To:   origin,
		Msg: types.Message{
			Op:      code,
			Value:   value,
			Invoker: origin,
			Sender:  origin,
		},
	}, nil
}
