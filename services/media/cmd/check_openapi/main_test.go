package main

import (
	"strings"
	"testing"

	"mediashare/services/media/internal/server"
)

func TestMediaOpenAPIMatchesRouter(t *testing.T) {
	if err := run("../../api/openapi.yaml"); err != nil {
		t.Fatalf("openapi check: %v", err)
	}
}

func TestCompareRoutes(t *testing.T) {
	registered := []server.Route{
		{Method: "GET", Pattern: "/videos/{id}"},
		{Method: "GET", Pattern: "/uploads/*"},
	}
	documented := []server.Route{
		{Method: "GET", Pattern: "/videos/{id}"},
		{Method: "GET", Pattern: "/uploads/{locator}"},
	}
	if err := compareRoutes(documented, registered); err != nil {
		t.Fatalf("expected match, got %v", err)
	}

	documented = append(documented, server.Route{Method: "DELETE", Pattern: "/videos/{id}"})
	err := compareRoutes(documented, registered)
	if err == nil || !strings.Contains(err.Error(), "DELETE /videos/{id} is not registered") {
		t.Fatalf("expected unregistered route error, got %v", err)
	}
}

func TestValidateErrorResponse(t *testing.T) {
	good := schema{
		Type:     "object",
		Required: []string{"error", "code"},
		Properties: map[string]schema{
			"error":     {Type: "string"},
			"code":      {Type: "string"},
			"requestId": {Type: "string"},
		},
	}
	if err := validateErrorResponse(good); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := good
	bad.Required = []string{"error"}
	if err := validateErrorResponse(bad); err == nil {
		t.Fatalf("expected missing code to fail")
	}
}
