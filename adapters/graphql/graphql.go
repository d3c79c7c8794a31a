// Package graphql annotates the enclosing server span with GraphQL operation
// metadata. GraphQL traffic is presentational only: the HTTP layers record
// and replay it, this package never mocks.
package graphql

import (
	"context"
	"strings"

	"github.com/nmxmxh/tuskdrift/pkg/drift"
	"github.com/nmxmxh/tuskdrift/pkg/json"
	"github.com/nmxmxh/tuskdrift/pkg/span"
)

// Operation describes a parsed GraphQL request.
type Operation struct {
	Type string // query, mutation, subscription
	Name string
}

type requestBody struct {
	Query         string `json:"query"`
	OperationName string `json:"operationName"`
}

// Parse extracts the operation type and name from a GraphQL HTTP request
// body.
func Parse(body []byte) (Operation, bool) {
	var req requestBody
	if err := json.Unmarshal(body, &req); err != nil || req.Query == "" {
		return Operation{}, false
	}

	op := parseQuery(req.Query)
	if op.Type == "" {
		return Operation{}, false
	}
	if req.OperationName != "" {
		op.Name = req.OperationName
	}
	return op, true
}

// parseQuery scans the query document for its first operation definition.
// An anonymous selection set is a query.
func parseQuery(query string) Operation {
	rest := skipIgnored(query)
	if rest == "" {
		return Operation{}
	}
	if rest[0] == '{' {
		return Operation{Type: "query"}
	}

	for _, kind := range []string{"query", "mutation", "subscription"} {
		if !strings.HasPrefix(rest, kind) {
			continue
		}
		after := rest[len(kind):]
		if after != "" && !isIgnored(after[0]) && after[0] != '{' && after[0] != '(' {
			continue
		}
		return Operation{Type: kind, Name: operationName(after)}
	}
	return Operation{}
}

func operationName(s string) string {
	s = skipIgnored(s)
	end := 0
	for end < len(s) {
		c := s[end]
		if c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || end > 0 && c >= '0' && c <= '9' {
			end++
			continue
		}
		break
	}
	return s[:end]
}

func skipIgnored(s string) string {
	for {
		start := s
		for len(s) > 0 && isIgnored(s[0]) {
			s = s[1:]
		}
		if strings.HasPrefix(s, "#") {
			if idx := strings.IndexByte(s, '\n'); idx >= 0 {
				s = s[idx+1:]
			} else {
				s = ""
			}
		}
		if s == start {
			return s
		}
	}
}

func isIgnored(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == ','
}

// Annotate adds the operation to the current server span. A body that is not
// a GraphQL request changes nothing.
func Annotate(ctx context.Context, sdk *drift.SDK, body []byte) {
	if sdk == nil {
		return
	}
	op, ok := Parse(body)
	if !ok {
		return
	}
	sp := span.FromContext(ctx)
	if sp == nil || sp.Kind() != span.KindServer {
		return
	}
	attrs := span.Value{"graphqlOperationType": op.Type}
	if op.Name != "" {
		attrs["graphqlOperationName"] = op.Name
	}
	sdk.Recorder().AddAttributes(sp, attrs)
}
