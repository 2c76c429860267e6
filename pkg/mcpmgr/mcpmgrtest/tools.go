package mcpmgrtest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

func number(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

var numberPairSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"a": {Type: "number"},
		"b": {Type: "number"},
	},
	Required: []string{"a", "b"},
}

// AddTool returns "add", which sums a and b.
func AddTool() Tool {
	return Tool{
		Name:        "add",
		Description: "Add two numbers",
		InputSchema: numberPairSchema,
		Handler: func(_ context.Context, c *Call) (any, error) {
			return formatNumber(number(c.Arguments, "a") + number(c.Arguments, "b")), nil
		},
	}
}

// MultiplyTool returns "multiply", which multiplies a and b.
func MultiplyTool() Tool {
	return Tool{
		Name:        "multiply",
		Description: "Multiply two numbers",
		InputSchema: numberPairSchema,
		Handler: func(_ context.Context, c *Call) (any, error) {
			return formatNumber(number(c.Arguments, "a") * number(c.Arguments, "b")), nil
		},
	}
}

// NamedTool returns a tool called name that answers with reply.
func NamedTool(name, reply string) Tool {
	return Tool{
		Name:        name,
		Description: "Reply with a fixed string",
		Handler: func(context.Context, *Call) (any, error) {
			return reply, nil
		},
	}
}

// CounterTool returns "counter", which increments per-process state. Two
// calls landing on the same process observe consecutive values.
func CounterTool() Tool {
	return Tool{
		Name:        "counter",
		Description: "Increment a process-local counter",
		Handler: func(_ context.Context, c *Call) (any, error) {
			return fmt.Sprintf("%d@%d", c.Instance.Next(), c.Instance.ID), nil
		},
	}
}

// InstanceTool returns "instance", which reports the serving process id.
func InstanceTool() Tool {
	return Tool{
		Name:        "instance",
		Description: "Report the serving instance",
		Handler: func(_ context.Context, c *Call) (any, error) {
			return strconv.Itoa(c.Instance.ID), nil
		},
	}
}

// SleepTool returns "sleep", which waits for ms milliseconds.
func SleepTool() Tool {
	return Tool{
		Name:        "sleep",
		Description: "Sleep for ms milliseconds",
		Handler: func(ctx context.Context, c *Call) (any, error) {
			sleep(ctx, time.Duration(number(c.Arguments, "ms"))*time.Millisecond)
			return "slept", nil
		},
	}
}

// CrashTool returns "crash", which kills the process without answering.
// An optional delay_ms argument postpones the exit.
func CrashTool() Tool {
	return Tool{
		Name:        "crash",
		Description: "Exit the process abruptly",
		Handler: func(ctx context.Context, c *Call) (any, error) {
			if d := number(c.Arguments, "delay_ms"); d > 0 {
				sleep(ctx, time.Duration(d)*time.Millisecond)
			}
			c.Instance.Exit(1)
			return noReplyResult, nil
		},
	}
}

// EchoTool returns "echo", which answers with its arguments as JSON text.
func EchoTool() Tool {
	return Tool{
		Name:        "echo",
		Description: "Echo the arguments",
		Handler: func(_ context.Context, c *Call) (any, error) {
			b, err := json.Marshal(c.Arguments)
			if err != nil {
				return nil, err
			}
			return string(b), nil
		},
	}
}

// ProgressTool returns "progress", which emits steps progress notifications
// for the caller's progress token before answering.
func ProgressTool() Tool {
	return Tool{
		Name:        "progress",
		Description: "Report progress then finish",
		Handler: func(_ context.Context, c *Call) (any, error) {
			steps := int(number(c.Arguments, "steps"))
			if steps <= 0 {
				steps = 2
			}
			token := c.Meta["progressToken"]
			for i := 1; i <= steps && token != nil; i++ {
				c.Instance.Notify("notifications/progress", map[string]any{
					"progressToken": token,
					"progress":      i,
					"total":         steps,
				})
			}
			return "done", nil
		},
	}
}

// AnnounceTool returns "announce", which tells the gateway the tool list
// changed.
func AnnounceTool() Tool {
	return Tool{
		Name:        "announce",
		Description: "Send notifications/tools/list_changed",
		Handler: func(_ context.Context, c *Call) (any, error) {
			c.Instance.Notify("notifications/tools/list_changed", nil)
			return "announced", nil
		},
	}
}

// CalcServer is the classic two-tool calculator backend.
func CalcServer() *Server {
	return NewServer(AddTool(), MultiplyTool())
}
