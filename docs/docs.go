// Package docs registers the OpenAPI document served under /swagger/.
// Regenerate with: swag init -g cmd/server/main.go
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/.well-known/jwks.json": {
            "get": {
                "produces": ["application/json"],
                "tags": ["oidc"],
                "summary": "JSON Web Key Set",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/.well-known/openid-configuration": {
            "get": {
                "produces": ["application/json"],
                "tags": ["oidc"],
                "summary": "OpenID Connect discovery document",
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/oauth2/authorize": {
            "get": {
                "tags": ["oauth2"],
                "summary": "Authorization endpoint",
                "parameters": [
                    {"type": "string", "name": "response_type", "in": "query", "required": true},
                    {"type": "string", "name": "client_id", "in": "query", "required": true},
                    {"type": "string", "name": "redirect_uri", "in": "query", "required": true},
                    {"type": "string", "name": "scope", "in": "query"},
                    {"type": "string", "name": "state", "in": "query"},
                    {"type": "string", "name": "nonce", "in": "query"},
                    {"type": "string", "name": "code_challenge", "in": "query"},
                    {"type": "string", "name": "code_challenge_method", "in": "query"}
                ],
                "responses": {"302": {"description": "Found"}, "400": {"description": "Bad Request"}}
            }
        },
        "/oauth2/token": {
            "post": {
                "consumes": ["application/x-www-form-urlencoded"],
                "produces": ["application/json"],
                "tags": ["oauth2"],
                "summary": "Token endpoint",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/models.TokenResponse"}},
                    "400": {"description": "Bad Request"},
                    "401": {"description": "Unauthorized"},
                    "429": {"description": "Too Many Requests"}
                }
            }
        },
        "/oauth2/userinfo": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["oauth2"],
                "summary": "UserInfo endpoint",
                "responses": {"200": {"description": "OK"}, "401": {"description": "Unauthorized"}}
            }
        },
        "/oauth2/verify": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["oauth2"],
                "summary": "Verify JWT token",
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/models.VerifyResponse"}}}
            }
        },
        "/api/auth/login": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["auth"],
                "summary": "Log in with email and password",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/models.TokenResponse"}},
                    "401": {"description": "Unauthorized"},
                    "429": {"description": "Too Many Requests"}
                }
            }
        },
        "/api/auth/register": {
            "post": {
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["auth"],
                "summary": "Create an account",
                "responses": {"201": {"description": "Created"}, "400": {"description": "Bad Request"}, "409": {"description": "Conflict"}}
            }
        },
        "/api/auth/logout": {
            "post": {
                "security": [{"BearerAuth": []}],
                "tags": ["auth"],
                "summary": "Log out everywhere for the current client",
                "responses": {"204": {"description": "No Content"}, "401": {"description": "Unauthorized"}}
            }
        },
        "/api/auth/security-events": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["auth"],
                "summary": "Recent security events of the caller",
                "responses": {"200": {"description": "OK"}, "401": {"description": "Unauthorized"}}
            }
        },
        "/api/auth/providers/{provider}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["auth"],
                "summary": "Linked provider status",
                "parameters": [{"type": "string", "name": "provider", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "401": {"description": "Unauthorized"}}
            }
        },
        "/api/auth/providers/{provider}/link": {
            "post": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["auth"],
                "summary": "Start linking a provider account",
                "parameters": [{"type": "string", "name": "provider", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "401": {"description": "Unauthorized"}, "404": {"description": "Not Found"}}
            }
        },
        "/api/auth/providers/{provider}/callback": {
            "get": {
                "produces": ["application/json"],
                "tags": ["auth"],
                "summary": "Provider redirect target",
                "parameters": [
                    {"type": "string", "name": "provider", "in": "path", "required": true},
                    {"type": "string", "name": "state", "in": "query", "required": true},
                    {"type": "string", "name": "code", "in": "query"}
                ],
                "responses": {"200": {"description": "OK"}, "400": {"description": "Bad Request"}, "502": {"description": "Bad Gateway"}}
            }
        },
        "/api/auth/providers/{provider}/token": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["auth"],
                "summary": "Linked provider access token",
                "parameters": [{"type": "string", "name": "provider", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "401": {"description": "Unauthorized"}, "404": {"description": "Not Found"}}
            }
        },
        "/health": {
            "get": {
                "produces": ["text/plain"],
                "tags": ["health"],
                "summary": "Health check endpoint",
                "responses": {"200": {"description": "OK"}, "503": {"description": "Service Unavailable"}}
            }
        }
    },
    "definitions": {
        "models.TokenResponse": {
            "type": "object",
            "properties": {
                "access_token": {"type": "string"},
                "token_type": {"type": "string"},
                "expires_in": {"type": "integer"},
                "refresh_token": {"type": "string"},
                "scope": {"type": "string"},
                "id_token": {"type": "string"}
            }
        },
        "models.VerifyResponse": {
            "type": "object",
            "properties": {
                "valid": {"type": "boolean"},
                "claims": {"type": "object"},
                "message": {"type": "string"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Productivity Auth API",
	Description:      "OAuth2 authorization server and first-party account endpoints.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
