package mcpserver

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/roach88/epistemic/internal/app"
	"github.com/roach88/epistemic/internal/ir"
)

// base carries what every tool needs.
type base struct {
	app      *app.App
	identity string
}

// who returns the call's identity argument or the server default.
func (b base) who(req mcp.CallToolRequest) string {
	if id := strings.TrimSpace(req.GetString("identity", "")); id != "" {
		return id
	}
	return b.identity
}

// respond renders r as the tool's text content.
func respond(r app.Result) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode result: %v", err)), nil
	}
	res := mcp.NewToolResultText(string(data))
	res.IsError = !r.OK
	return res, nil
}

// intArg extracts an integer argument, returning defaultVal if the key is
// missing or not a number (JSON numbers are float64).
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// floatArg extracts a float argument.
func floatArg(req mcp.CallToolRequest, key string, defaultVal float64) float64 {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return v
}

// boolArg extracts a boolean argument.
func boolArg(req mcp.CallToolRequest, key string, defaultVal bool) bool {
	v, ok := req.GetArguments()[key].(bool)
	if !ok {
		return defaultVal
	}
	return v
}

// vectorsArg reads the vectors argument, given either as an object or as
// a JSON string.
func vectorsArg(req mcp.CallToolRequest) (ir.VectorSet, error) {
	switch v := req.GetArguments()["vectors"].(type) {
	case map[string]any:
		return ir.VectorSetFromMap(v)
	case string:
		return ir.ParseVectorSet([]byte(v))
	case nil:
		return ir.VectorSet{}, &ir.ValidationError{Fields: []string{"vectors"}, Message: "'vectors' is required"}
	default:
		return ir.VectorSet{}, &ir.ValidationError{Fields: []string{"vectors"}, Message: "'vectors' must be an object"}
	}
}

// metadataArg reads the optional metadata object.
func metadataArg(req mcp.CallToolRequest) (map[string]any, error) {
	switch v := req.GetArguments()["metadata"].(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	default:
		return nil, &ir.ValidationError{Fields: []string{"metadata"}, Message: "metadata must be an object"}
	}
}
