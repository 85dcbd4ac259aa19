// Package docs holds the Swagger document served at /swagger. Regenerate it
// with `swag init -g cmd/server/main.go` after changing handler annotations.
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
        "/terminal/challenges": {
            "post": {
                "security": [{"BearerAuth": []}],
                "description": "Issue a single-use nonce for the presented card",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Terminal"],
                "summary": "Issue challenge",
                "parameters": [
                    {"description": "Challenge request", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.ChallengeRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ChallengeResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/terminal/authorize": {
            "post": {
                "security": [{"BearerAuth": []}],
                "description": "Validate the card response and debit the card. Declines are returned with success=false.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Terminal"],
                "summary": "Authorize purchase",
                "parameters": [
                    {"description": "Tap to pay request", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/services.TapToPayRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/services.TapToPayResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/cards/activate": {
            "post": {
                "security": [{"BearerAuth": []}],
                "description": "Check the activation code and card response, then bind the card to its owner and wallet",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Cards"],
                "summary": "Activate card",
                "parameters": [
                    {"description": "Activation request", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/services.ActivateCardRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/services.ActivationResult"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "422": {"description": "Unprocessable Entity", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "423": {"description": "Locked", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/cards/{cardId}/reload": {
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Cards"],
                "summary": "Reload card",
                "parameters": [
                    {"type": "string", "description": "Card ID", "name": "cardId", "in": "path", "required": true},
                    {"description": "Reload request", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/services.ReloadCardRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/models.Transaction"}},
                    "422": {"description": "Unprocessable Entity", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/admin/settlements": {
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Settlement"],
                "summary": "Run settlement",
                "parameters": [
                    {"description": "Settlement run", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.SettleRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/models.SettlementBatch"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "handlers.ErrorResponse": {
            "description": "Error response structure",
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "details": {"type": "object", "additionalProperties": {"type": "string"}},
                "error": {"type": "string"}
            }
        },
        "handlers.ChallengeRequest": {
            "type": "object",
            "properties": {
                "cardUid": {"type": "string", "example": "04A1B2C3D4E5F6"},
                "purpose": {"type": "string", "example": "PAYMENT"},
                "terminalId": {"type": "string", "example": "T-001"}
            }
        },
        "handlers.ChallengeResponse": {
            "type": "object",
            "properties": {
                "challengeId": {"type": "string"},
                "expiresAt": {"type": "string"},
                "nonce": {"type": "string"}
            }
        },
        "handlers.SettleRequest": {
            "type": "object",
            "properties": {
                "currency": {"type": "string", "example": "NGN"},
                "cutoff": {"type": "string"}
            }
        },
        "services.TapToPayRequest": {
            "type": "object",
            "required": ["amount", "cardUid", "challengeId", "currency", "idempotencyKey", "merchantId", "response", "terminalId"],
            "properties": {
                "amount": {"type": "integer"},
                "cardUid": {"type": "string"},
                "challengeId": {"type": "string"},
                "currency": {"type": "string"},
                "deviceFingerprint": {"type": "string"},
                "idempotencyKey": {"type": "string"},
                "merchantId": {"type": "string"},
                "pin": {"type": "string"},
                "response": {"type": "string"},
                "terminalId": {"type": "string"}
            }
        },
        "services.TapToPayResponse": {
            "type": "object",
            "properties": {
                "amount": {"type": "integer"},
                "authorizationCode": {"type": "string"},
                "balanceAfter": {"type": "integer"},
                "declineCode": {"type": "string"},
                "declineReason": {"type": "string"},
                "feeAmount": {"type": "integer"},
                "offline": {"type": "boolean"},
                "reviewRequired": {"type": "boolean"},
                "state": {"type": "string"},
                "success": {"type": "boolean"},
                "transactionId": {"type": "string"},
                "transactionReference": {"type": "string"}
            }
        },
        "services.ActivateCardRequest": {
            "type": "object",
            "required": ["activationCode", "cardUid", "challengeId", "response", "userId"],
            "properties": {
                "activationCode": {"type": "string"},
                "cardUid": {"type": "string"},
                "challengeId": {"type": "string"},
                "pin": {"type": "string"},
                "response": {"type": "string"},
                "terminalId": {"type": "string"},
                "userId": {"type": "string"}
            }
        },
        "services.ActivationResult": {
            "type": "object",
            "properties": {
                "card": {"$ref": "#/definitions/models.PrepaidCard"},
                "offlineCertificate": {"type": "object"}
            }
        },
        "services.ReloadCardRequest": {
            "type": "object",
            "required": ["amount", "idempotencyKey", "sourceType", "userId"],
            "properties": {
                "agentId": {"type": "string"},
                "amount": {"type": "integer"},
                "cardId": {"type": "string"},
                "idempotencyKey": {"type": "string"},
                "sourceType": {"type": "string", "enum": ["WALLET", "BANK_TRANSFER", "AGENT_CASH"]},
                "sourceWalletId": {"type": "string"},
                "userId": {"type": "string"}
            }
        },
        "models.PrepaidCard": {"type": "object"},
        "models.Transaction": {"type": "object"},
        "models.SettlementBatch": {"type": "object"}
    },
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/api/v1",
	Schemes:          []string{"http", "https"},
	Title:            "NFC Card Engine API",
	Description:      "Closed-loop NFC prepaid card authorization and lifecycle API",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
