package httpserver

import "fmt"

const openAPISpec = `{
  "openapi": "3.0.3",
  "info": {
    "title": "audiosum API",
    "version": "1.0.0"
  },
  "paths": {
    "/v1/records": {
      "post": {
        "summary": "Register an uploaded audio file in a collection",
        "requestBody": {
          "required": true,
          "content": {
            "application/json": {
              "schema": {
                "type": "object",
                "required": ["collection_id", "filepath", "duration_seconds"],
                "properties": {
                  "collection_id": { "type": "string", "format": "uuid" },
                  "filepath": { "type": "string" },
                  "format": { "type": "string", "description": "Audio container; inferred from the filepath when omitted" },
                  "duration_seconds": { "type": "number" },
                  "channels": { "type": "integer" },
                  "sample_rate": { "type": "integer" }
                }
              }
            }
          }
        },
        "responses": {
          "201": { "description": "Record registered" },
          "400": { "description": "Invalid request" },
          "404": { "description": "Audio file not uploaded" }
        }
      }
    },
    "/v1/summarizations": {
      "post": {
        "summary": "Start summarizing a collection",
        "requestBody": {
          "required": true,
          "content": {
            "application/json": {
              "schema": {
                "type": "object",
                "required": ["collection_id", "summary_type", "document_format"],
                "properties": {
                  "collection_id": { "type": "string", "format": "uuid" },
                  "summary_type": { "type": "string", "enum": ["meeting_protocol", "lecture_notes"] },
                  "document_format": { "type": "string", "enum": ["pdf", "docx", "md"] }
                }
              }
            }
          }
        },
        "responses": {
          "202": { "description": "Task accepted" },
          "400": { "description": "Invalid request" },
          "404": { "description": "Collection has no records" }
        }
      }
    },
    "/v1/summarizations/{id}": {
      "get": {
        "summary": "Get a summarization task",
        "parameters": [
          { "name": "id", "in": "path", "required": true, "schema": { "type": "string", "format": "uuid" } }
        ],
        "responses": {
          "200": { "description": "Task state" },
          "404": { "description": "Task not found" }
        }
      }
    },
    "/v1/summaries/{id}": {
      "get": {
        "summary": "Get a summary with a temporary download link",
        "parameters": [
          { "name": "id", "in": "path", "required": true, "schema": { "type": "string", "format": "uuid" } }
        ],
        "responses": {
          "200": { "description": "Summary" },
          "404": { "description": "Summary not found" }
        }
      }
    },
    "/healthz": {
      "get": {
        "summary": "Readiness probe",
        "responses": {
          "200": { "description": "Ready" },
          "503": { "description": "A backing store is unreachable" }
        }
      }
    }
  }
}`

var swaggerUIHTML = fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>audiosum API Docs</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
  <style>
    body { margin:0; background: #fafafa; }
  </style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    window.addEventListener('load', function() {
      SwaggerUIBundle({
        url: '%s',
        dom_id: '#swagger-ui',
        presets: [SwaggerUIBundle.presets.apis],
        layout: 'BaseLayout'
      });
    });
  </script>
</body>
</html>`, swaggerSpecPath)
