package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Activity Points API",
        "description": "Points configuration and scoring engine for student extracurricular activities",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Rules", "description": "Rule snapshots and the propose/preview/commit workflow"},
        {"name": "Events", "description": "Participation submissions and review"},
        {"name": "Form Configs", "description": "Per-category submission form definitions"},
        {"name": "Leaderboard", "description": "Ranked point totals"},
        {"name": "System", "description": "Operational endpoints"}
    ],
    "paths": {
        "/rules/current": {
            "get": {
                "tags": ["Rules"],
                "summary": "Get the committed rule configuration",
                "parameters": [
                    {"name": "kind", "in": "query", "type": "string", "required": true},
                    {"name": "category", "in": "query", "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "No configuration committed"}
                }
            }
        },
        "/rules/history": {
            "get": {
                "tags": ["Rules"],
                "summary": "List rule snapshot history",
                "parameters": [
                    {"name": "kind", "in": "query", "type": "string", "required": true},
                    {"name": "category", "in": "query", "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/rules/snapshots/{id}": {
            "get": {
                "tags": ["Rules"],
                "summary": "Get one rule snapshot",
                "parameters": [
                    {"name": "id", "in": "path", "type": "string", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/rules/drafts": {
            "get": {
                "tags": ["Rules"],
                "summary": "List pending rule drafts",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Rules"],
                "summary": "Propose a rule change draft",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ProposeRuleRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Invalid payload"}
                }
            }
        },
        "/rules/drafts/{id}/preview": {
            "post": {
                "tags": ["Rules"],
                "summary": "Dry-run a draft against stored events",
                "parameters": [
                    {"name": "id", "in": "path", "type": "string", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Draft is stale"}
                }
            }
        },
        "/rules/drafts/{id}/commit": {
            "post": {
                "tags": ["Rules"],
                "summary": "Commit a draft as the new current configuration",
                "parameters": [
                    {"name": "id", "in": "path", "type": "string", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Concurrent modification"}
                }
            }
        },
        "/events": {
            "get": {
                "tags": ["Events"],
                "summary": "List submissions",
                "parameters": [
                    {"name": "studentId", "in": "query", "type": "string"},
                    {"name": "category", "in": "query", "type": "string"},
                    {"name": "status", "in": "query", "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Events"],
                "summary": "Submit a participation event",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateEventRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/events/{id}/review": {
            "post": {
                "tags": ["Events"],
                "summary": "Approve or reject a submission",
                "parameters": [
                    {"name": "id", "in": "path", "type": "string", "required": true},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ReviewEventRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Already reviewed"},
                    "422": {"description": "Submission cannot be scored"}
                }
            }
        },
        "/form-configs/{category}": {
            "get": {
                "tags": ["Form Configs"],
                "summary": "Get a category's form configuration",
                "parameters": [
                    {"name": "category", "in": "path", "type": "string", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "put": {
                "tags": ["Form Configs"],
                "summary": "Replace a category's form configuration",
                "parameters": [
                    {"name": "category", "in": "path", "type": "string", "required": true},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/UpdateFormConfigRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/leaderboard": {
            "get": {
                "tags": ["Leaderboard"],
                "summary": "Get the points leaderboard",
                "parameters": [
                    {"name": "limit", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "ProposeRuleRequest": {
            "type": "object",
            "required": ["kind", "payload"],
            "properties": {
                "kind": {"type": "string", "enum": ["CATEGORY_RULES", "POSITION_POINTS"]},
                "category_name": {"type": "string"},
                "payload": {"type": "object"},
                "notes": {"type": "string"}
            }
        },
        "CreateEventRequest": {
            "type": "object",
            "required": ["category_name", "title"],
            "properties": {
                "category_name": {"type": "string"},
                "title": {"type": "string"},
                "attributes": {"type": "object"},
                "custom_answers": {"type": "array", "items": {"type": "object"}},
                "proof_files": {"type": "array", "items": {"type": "string"}}
            }
        },
        "ReviewEventRequest": {
            "type": "object",
            "properties": {
                "approve": {"type": "boolean"},
                "comment": {"type": "string"}
            }
        },
        "UpdateFormConfigRequest": {
            "type": "object",
            "required": ["fields"],
            "properties": {
                "fields": {"type": "object"}
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"},
                "field": {"type": "string"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
