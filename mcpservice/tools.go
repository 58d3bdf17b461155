package mcpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/ggoodman/mcp-session-gateway/internal/jsonrpc"
	"github.com/ggoodman/mcp-session-gateway/internal/logctx"
	"github.com/invopop/jsonschema"
	sdkjsonrpc "github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Handler executes one tool call. args is the raw arguments object (possibly
// empty). The returned value becomes the tool result: strings are sent as
// text, *mcp.CallToolResult is passed through and anything else is encoded
// as indented JSON text. A returned error is reported to the caller as a
// JSON-RPC internal error.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool pairs a tool descriptor with its handler.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     Handler
}

// ErrDuplicateTool is returned when a name is registered twice.
var ErrDuplicateTool = errors.New("tool already registered")

var emptyObjectSchema = json.RawMessage(`{"type":"object"}`)

// Tools is a threadsafe tool registry. Every Server built from it exposes the
// same tools; the sessions served by those servers are otherwise independent.
type Tools struct {
	mu    sync.RWMutex
	tools []Tool
	index map[string]int
	log   *slog.Logger
}

// ToolsOption configures NewTools.
type ToolsOption func(*Tools)

// WithToolsLogger sets the logger used for tool call events.
func WithToolsLogger(l *slog.Logger) ToolsOption {
	return func(t *Tools) { t.log = l }
}

// NewTools returns a registry holding tools.
func NewTools(tools []Tool, opts ...ToolsOption) (*Tools, error) {
	t := &Tools{index: make(map[string]int), log: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	for _, tool := range tools {
		if err := t.Add(tool); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Register adds a tool from its parts. inputSchema may be nil, meaning an
// object with no declared properties.
func (t *Tools) Register(name, description string, inputSchema json.RawMessage, h Handler) error {
	return t.Add(Tool{Name: name, Description: description, InputSchema: inputSchema, Handler: h})
}

// Add registers tool.
func (t *Tools) Add(tool Tool) error {
	if tool.Name == "" {
		return errors.New("tool name is required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %q: handler is required", tool.Name)
	}
	if len(tool.InputSchema) == 0 {
		tool.InputSchema = emptyObjectSchema
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.index[tool.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, tool.Name)
	}
	t.index[tool.Name] = len(t.tools)
	t.tools = append(t.tools, tool)
	return nil
}

// List returns the registered tools in registration order.
func (t *Tools) List() []Tool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Tool(nil), t.tools...)
}

// Server builds a fresh MCP server exposing every registered tool.
func (t *Tools) Server(impl *mcp.Implementation) *mcp.Server {
	srv := mcp.NewServer(impl, nil)
	for _, tool := range t.List() {
		srv.AddTool(&mcp.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var args json.RawMessage
			if req.Params != nil {
				args = req.Params.Arguments
			}
			return t.invoke(ctx, tool, args)
		})
	}
	return srv
}

// Call dispatches a tool call by name without going through a server.
func (t *Tools) Call(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	t.mu.RLock()
	i, ok := t.index[name]
	var tool Tool
	if ok {
		tool = t.tools[i]
	}
	t.mu.RUnlock()
	if !ok {
		return nil, &sdkjsonrpc.Error{Code: sdkjsonrpc.CodeInvalidParams, Message: fmt.Sprintf("unknown tool %q", name)}
	}
	return t.invoke(ctx, tool, args)
}

func (t *Tools) invoke(ctx context.Context, tool Tool, args json.RawMessage) (res *mcp.CallToolResult, err error) {
	ctx = logctx.WithTool(ctx, tool.Name)
	defer func() {
		if p := recover(); p != nil {
			t.log.ErrorContext(ctx, "tool.call.panic", slog.Any("panic", p))
			res, err = nil, internalError("tool panicked")
		}
	}()

	out, err := tool.Handler(ctx, args)
	if err != nil {
		t.log.InfoContext(ctx, "tool.call.fail", slog.String("err", err.Error()))
		return nil, internalError(err.Error())
	}
	res, err = toResult(out)
	if err != nil {
		t.log.ErrorContext(ctx, "tool.result.encode.fail", slog.String("err", err.Error()))
		return nil, internalError("failed to encode tool result")
	}
	return res, nil
}

func internalError(msg string) error {
	return &sdkjsonrpc.Error{Code: int64(jsonrpc.ErrorCodeInternalError), Message: msg}
}

func toResult(v any) (*mcp.CallToolResult, error) {
	switch r := v.(type) {
	case *mcp.CallToolResult:
		return r, nil
	case string:
		return TextResult(r), nil
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return TextResult(string(b)), nil
}

// TextResult wraps text as a single-block tool result.
func TextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

// Errorf builds a tool result flagged with isError. Use it for failures the
// model should see, as opposed to protocol errors.
func Errorf(format string, a ...any) *mcp.CallToolResult {
	res := TextResult(fmt.Sprintf(format, a...))
	res.IsError = true
	return res
}

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description               string
	allowAdditionalProperties bool // default false (strict)
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolAllowAdditionalProperties controls whether unknown fields are allowed.
// When false (default), the generated schema sets additionalProperties=false and
// runtime decoding rejects unknown fields.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool constructs a Tool from a typed args struct A. The input schema is
// reflected from A and arguments are decoded into A before fn runs. Decode
// failures are reported as isError results without calling fn.
func NewTool[A any](name string, fn func(ctx context.Context, args A) (any, error), opts ...ToolOption) Tool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: reflectInputSchema[A](cfg.allowAdditionalProperties),
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var a A
			if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
				dec := json.NewDecoder(bytes.NewReader(raw))
				if !cfg.allowAdditionalProperties {
					dec.DisallowUnknownFields()
				}
				if err := dec.Decode(&a); err != nil {
					return Errorf("invalid arguments: %v", err), nil
				}
			}
			return fn(ctx, a)
		},
	}
}

// reflectInputSchema reflects A into a JSON Schema object suitable for a
// tool's inputSchema.
func reflectInputSchema[A any](allowAdditional bool) json.RawMessage {
	t := reflect.TypeFor[A]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	r := &jsonschema.Reflector{
		DoNotReference:            true, // inline defs
		AllowAdditionalProperties: allowAdditional,
		// Only named structs get a definition to expand at the root; anonymous
		// ones such as struct{} are already reflected inline.
		ExpandedStruct: t.Kind() == reflect.Struct && t.Name() != "",
	}
	s := r.ReflectFromType(t)
	if s == nil || s.Type != "object" {
		return emptyObjectSchema
	}
	s.Version = ""
	s.Definitions = nil
	b, err := json.Marshal(s)
	if err != nil {
		return emptyObjectSchema
	}
	return b
}
