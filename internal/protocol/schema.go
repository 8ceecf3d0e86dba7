// ABOUTME: JSON schemas for method params, validated with gojsonschema
// ABOUTME: Validation failures become INVALID_REQUEST errors before any handler runs

package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Timeouts are capped at 30 days so they convert to time.Duration without
// overflowing.
var paramSchemas = map[string]string{
	MethodConnect: `{
		"type": "object",
		"required": ["minProtocol", "maxProtocol", "client"],
		"properties": {
			"minProtocol": {"type": "integer", "minimum": 1},
			"maxProtocol": {"type": "integer", "minimum": 1},
			"role": {"type": "string"},
			"client": {
				"type": "object",
				"required": ["id", "version"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"version": {"type": "string", "minLength": 1},
					"platform": {"type": "string"},
					"mode": {"type": "string"},
					"instanceId": {"type": "string"}
				}
			},
			"auth": {
				"type": "object",
				"properties": {
					"token": {"type": "string"},
					"password": {"type": "string"}
				}
			}
		}
	}`,
	MethodAgent: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["message", "idempotencyKey"],
		"properties": {
			"message": {"type": "string", "minLength": 1},
			"agentId": {"type": "string"},
			"to": {"type": "string"},
			"sessionId": {"type": "string"},
			"sessionKey": {"type": "string"},
			"thinking": {"type": "string"},
			"deliver": {"type": "boolean"},
			"channel": {"type": "string"},
			"accountId": {"type": "string"},
			"threadId": {"type": "string"},
			"lane": {"type": "string"},
			"extraSystemPrompt": {"type": "string"},
			"timeout": {"type": "integer", "minimum": 0, "maximum": 2592000},
			"label": {"type": "string"},
			"spawnedBy": {"type": "string"},
			"idempotencyKey": {"type": "string", "minLength": 1}
		}
	}`,
	MethodAgentWait: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["runId"],
		"properties": {
			"runId": {"type": "string", "minLength": 1},
			"timeoutMs": {"type": "integer", "minimum": 0, "maximum": 2592000000}
		}
	}`,
	MethodAgentIdentity: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"agentId": {"type": "string"},
			"sessionKey": {"type": "string"}
		}
	}`,
	MethodSessionsDelete: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["key"],
		"properties": {
			"key": {"type": "string", "minLength": 1},
			"deleteTranscript": {"type": "boolean"}
		}
	}`,
	MethodSessionsSpawn: `{
		"type": "object",
		"additionalProperties": false,
		"required": ["task", "requesterSessionKey"],
		"properties": {
			"task": {"type": "string", "minLength": 1},
			"label": {"type": "string"},
			"agentId": {"type": "string"},
			"requesterSessionKey": {"type": "string", "minLength": 1},
			"requesterOrigin": {
				"type": "object",
				"additionalProperties": false,
				"properties": {
					"channel": {"type": "string"},
					"to": {"type": "string"},
					"accountId": {"type": "string"},
					"threadId": {"type": "string"}
				}
			},
			"cleanup": {"enum": ["delete", "keep"]},
			"runTimeoutSeconds": {"type": "integer", "minimum": 0, "maximum": 2592000}
		}
	}`,
	MethodSubagentsList: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"requesterSessionKey": {"type": "string"}
		}
	}`,
}

var compiledSchemas = mustCompileSchemas(paramSchemas)

func mustCompileSchemas(sources map[string]string) map[string]*gojsonschema.Schema {
	out := make(map[string]*gojsonschema.Schema, len(sources))
	for method, src := range sources {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			panic(fmt.Sprintf("compiling %s params schema: %v", method, err))
		}
		out[method] = schema
	}
	return out
}

// ValidateParams checks raw params for method against its schema. Methods
// without a schema accept anything.
func ValidateParams(method string, raw json.RawMessage) *ErrorShape {
	schema, ok := compiledSchemas[method]
	if !ok {
		return nil
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return InvalidRequest("invalid %s params: %v", method, err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return InvalidRequest("invalid %s params: %s", method, strings.Join(msgs, "; "))
}

// DecodeParams validates raw params and unmarshals them into dst.
func DecodeParams(method string, raw json.RawMessage, dst any) *ErrorShape {
	if shape := ValidateParams(method, raw); shape != nil {
		return shape
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return InvalidRequest("invalid %s params: %v", method, err)
	}
	return nil
}
