package plugin

// ManifestSchema is the JSON Schema for plugin manifest validation
const ManifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "name", "version", "main"],
  "properties": {
    "id": {
      "type": "string",
      "pattern": "^[a-z0-9][a-z0-9-]*$",
      "description": "Unique plugin identifier"
    },
    "name": {
      "type": "string",
      "minLength": 1
    },
    "version": {
      "type": "string",
      "minLength": 1,
      "description": "Semver version"
    },
    "description": { "type": "string" },
    "author": { "type": "string" },
    "enabled": { "type": "boolean" },
    "main": {
      "type": "string",
      "minLength": 1,
      "description": "Entry point: a file relative to the manifest, or a builtin module name"
    },
    "runtime": {
      "type": "string",
      "enum": ["", "lua", "rpc", "builtin"]
    },
    "hooks": {
      "type": "array",
      "items": {
        "type": "string",
        "minLength": 1
      }
    },
    "dependencies": {
      "type": "object",
      "description": "Plugin id to semver constraint (e.g. ^1.0.0)",
      "additionalProperties": { "type": "string" }
    },
    "permissions": {
      "type": "array",
      "uniqueItems": true,
      "items": {
        "type": "string",
        "enum": [
          "messages:read",
          "messages:write",
          "chats:read",
          "chats:write",
          "settings:read",
          "settings:write",
          "network:fetch",
          "storage:read",
          "storage:write"
        ]
      }
    },
    "config": {
      "type": "object",
      "description": "Plugin-owned configuration defaults"
    }
  }
}`
