package action

import (
	"context"
	"log/slog"
	"slices"

	"github.com/roach88/reckon/internal/ir"
)

// Noop does nothing and succeeds.
func Noop(context.Context, map[string]ir.Value) (string, error) { return "", nil }

// LogHandler writes the invoke args to logger at Info level.
func LogHandler(logger *slog.Logger) Handler {
	return func(ctx context.Context, args map[string]ir.Value) (string, error) {
		names := make([]string, 0, len(args))
		for n := range args {
			names = append(names, n)
		}
		slices.Sort(names)

		attrs := make([]slog.Attr, 0, len(names))
		for _, n := range names {
			attrs = append(attrs, slog.String(n, ir.Display(args[n])))
		}
		msg := "action"
		if m, ok := args["message"].(ir.String); ok {
			msg = string(m)
		}
		logger.LogAttrs(ctx, slog.LevelInfo, msg, attrs...)
		return msg, nil
	}
}
