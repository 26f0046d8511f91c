package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"mediashare/services/media/internal/server"
)

type openAPIDoc struct {
	Paths      map[string]map[string]yaml.Node `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
}

var httpMethods = map[string]bool{
	"get": true, "put": true, "post": true, "delete": true,
	"options": true, "head": true, "patch": true, "trace": true,
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	if err := run(os.Args[1]); err != nil {
		fmt.Fprintf(os.Stderr, "openapi check failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("OpenAPI consistency check passed.")
}

func run(path string) error {
	doc, err := loadDoc(path)
	if err != nil {
		return err
	}
	errResp, err := getSchema(doc, "ErrorResponse")
	if err != nil {
		return err
	}
	if err := validateErrorResponse(errResp); err != nil {
		return err
	}
	deletion, err := getSchema(doc, "AccountDeletionResponse")
	if err != nil {
		return err
	}
	if err := validateAccountDeletion(deletion); err != nil {
		return err
	}
	routes, err := server.Routes()
	if err != nil {
		return fmt.Errorf("walk routes: %w", err)
	}
	return compareRoutes(documentedRoutes(doc), routes)
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

func validateErrorResponse(s schema) error {
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"error", "code"} {
		if !required[field] {
			return fmt.Errorf("ErrorResponse.required must include %q", field)
		}
	}
	for _, field := range []string{"error", "code", "requestId"} {
		prop, ok := s.Properties[field]
		if !ok || prop.Type != "string" {
			return fmt.Errorf("ErrorResponse.%s must be string", field)
		}
	}
	return nil
}

func validateAccountDeletion(s schema) error {
	details, ok := s.Properties["details"]
	if !ok || details.Type != "object" {
		return errors.New("AccountDeletionResponse.details must be object")
	}
	required := makeSet(details.Required)
	for _, field := range []string{"videosDeleted", "filesDeleted"} {
		if !required[field] {
			return fmt.Errorf("AccountDeletionResponse.details.required must include %q", field)
		}
		if prop := details.Properties[field]; prop.Type != "integer" {
			return fmt.Errorf("AccountDeletionResponse.details.%s must be integer", field)
		}
	}
	return nil
}

func documentedRoutes(doc openAPIDoc) []server.Route {
	var out []server.Route
	for path, item := range doc.Paths {
		for key := range item {
			if httpMethods[key] {
				out = append(out, server.Route{Method: strings.ToUpper(key), Pattern: path})
			}
		}
	}
	return out
}

// compareRoutes requires both sides to list the same endpoints. A chi
// wildcard pattern such as /uploads/* covers any documented path below it.
func compareRoutes(documented, registered []server.Route) error {
	var problems []string
	for _, reg := range registered {
		if !anyMatch(documented, reg) {
			problems = append(problems, fmt.Sprintf("undocumented route %s %s", reg.Method, reg.Pattern))
		}
	}
	for _, doc := range documented {
		if !anyMatch(registered, doc) {
			problems = append(problems, fmt.Sprintf("documented route %s %s is not registered", doc.Method, doc.Pattern))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return errors.New(strings.Join(problems, "; "))
}

func anyMatch(candidates []server.Route, r server.Route) bool {
	for _, c := range candidates {
		if c.Method == r.Method && patternsMatch(c.Pattern, r.Pattern) {
			return true
		}
	}
	return false
}

func patternsMatch(a, b string) bool {
	if a == b {
		return true
	}
	if prefix, ok := strings.CutSuffix(a, "*"); ok {
		return strings.HasPrefix(b, prefix) && len(b) > len(prefix)
	}
	if prefix, ok := strings.CutSuffix(b, "*"); ok {
		return strings.HasPrefix(a, prefix) && len(a) > len(prefix)
	}
	return false
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		out[item] = true
	}
	return out
}
