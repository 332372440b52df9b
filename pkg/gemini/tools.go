package gemini

import (
	"context"
	"strings"

	"github.com/invopop/jsonschema"
	pkgerrors "github.com/pkg/errors"
	"google.golang.org/genai"

	"github.com/balakunbot/balakun/pkg/logger"
)

// Callback executes one tool call. The returned string is fed back to
// the model as the tool result.
type Callback func(ctx context.Context, args map[string]any) (string, error)

// Tool is a function the model may call during generation.
type Tool struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema
	Callback    Callback
}

// Schema builds the parameter schema for a tool input struct.
func Schema[T any]() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T

	return reflector.Reflect(v)
}

// toGenAITools converts tool declarations to the upstream format. All
// function declarations are grouped under a single genai.Tool; search
// grounding rides along as its own entry.
func toGenAITools(tools []Tool, searchGrounding bool) []*genai.Tool {
	var out []*genai.Tool

	if len(tools) > 0 {
		var declarations []*genai.FunctionDeclaration
		for _, tool := range tools {
			declarations = append(declarations, &genai.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  convertSchema(tool.Schema),
			})
		}
		out = append(out, &genai.Tool{FunctionDeclarations: declarations})
	}

	if searchGrounding {
		out = append(out, &genai.Tool{GoogleSearch: &genai.GoogleSearch{}})
	}

	return out
}

func convertSchema(schema *jsonschema.Schema) *genai.Schema {
	if schema == nil {
		return nil
	}

	out := &genai.Schema{
		Type: convertSchemaType(schema.Type),
	}

	if schema.Description != "" {
		out.Description = schema.Description
	}

	if schema.Properties != nil {
		out.Properties = make(map[string]*genai.Schema)
		for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
			out.Properties[pair.Key] = convertSchema(pair.Value)
		}
	}

	if len(schema.Required) > 0 {
		out.Required = schema.Required
	}

	if schema.Items != nil {
		out.Items = convertSchema(schema.Items)
	}

	return out
}

func convertSchemaType(schemaType string) genai.Type {
	switch strings.ToLower(schemaType) {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

// executeToolCalls runs each requested tool and collects the results into
// a single user content, as the upstream API requires for one turn.
func (c *Client) executeToolCalls(ctx context.Context, calls []toolCall, tools []Tool) *genai.Content {
	byName := make(map[string]Tool, len(tools))
	for _, tool := range tools {
		byName[tool.Name] = tool
	}

	var parts []*genai.Part
	for _, call := range calls {
		logger.G(ctx).WithField("tool", call.name).Debug("executing tool call")

		result, err := runTool(ctx, byName, call)
		if err != nil {
			logger.G(ctx).WithError(err).WithField("tool", call.name).Warn("tool call failed")
			result = err.Error()
		}
		if c.metrics != nil {
			c.metrics.RecordToolCall(call.name, err == nil)
		}

		parts = append(parts, &genai.Part{
			FunctionResponse: &genai.FunctionResponse{
				Name: call.name,
				Response: map[string]any{
					"result": result,
					"error":  err != nil,
				},
			},
		})
	}

	return genai.NewContentFromParts(parts, genai.RoleUser)
}

func runTool(ctx context.Context, byName map[string]Tool, call toolCall) (string, error) {
	tool, ok := byName[call.name]
	if !ok {
		return "", pkgerrors.Errorf("unknown tool %q", call.name)
	}
	return tool.Callback(ctx, call.args)
}
